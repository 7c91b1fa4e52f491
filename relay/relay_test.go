package relay

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telsiz/telsiz/model"
)

func newTestRelay() *Relay {
	logger := zerolog.Nop()
	return New(&logger)
}

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Message, 8),
		TX: make(chan model.Message, 8),
	}
}

func TestBroadcastExcludesSource(t *testing.T) {
	rl := newTestRelay()

	wa, wb, wc := bufferedWire(), bufferedWire(), bufferedWire()
	rl.Connect("ops", "a", wa)
	rl.Connect("ops", "b", wb)
	rl.Connect("ops", "c", wc)

	msg, err := model.New(model.TypeFloorClaimed, model.Floor{Identity: "a"})
	require.NoError(t, err)
	msg.SRC = "a"

	rl.Broadcast(context.Background(), msg, "ops")

	assert.Empty(t, wa.TX)
	require.Len(t, wb.TX, 1)
	require.Len(t, wc.TX, 1)
	got := <-wb.TX
	assert.Equal(t, model.TypeFloorClaimed, got.Type)
	assert.Equal(t, "a", got.SRC)
}

func TestBroadcastScopedToRoom(t *testing.T) {
	rl := newTestRelay()

	wb, wc := bufferedWire(), bufferedWire()
	rl.Connect("ops", "a", bufferedWire())
	rl.Connect("ops", "b", wb)
	rl.Connect("eng", "c", wc)

	msg, err := model.New(model.TypeMemberLeft, model.MemberLeft{Identity: "a"})
	require.NoError(t, err)
	msg.SRC = "a"

	rl.Broadcast(context.Background(), msg, "ops")

	assert.Len(t, wb.TX, 1)
	assert.Empty(t, wc.TX)
}

func TestSendTargeted(t *testing.T) {
	rl := newTestRelay()

	wa, wb := bufferedWire(), bufferedWire()
	rl.Connect("ops", "a", wa)
	rl.Connect("ops", "b", wb)

	msg, err := model.New(model.TypeNegotiate, model.Negotiate{
		To:   "b",
		From: "a",
		Kind: model.KindOffer,
	})
	require.NoError(t, err)
	msg.SRC, msg.DST = "a", "b"

	require.True(t, rl.Send(context.Background(), msg, "ops"))
	assert.Empty(t, wa.TX)
	require.Len(t, wb.TX, 1)
}

func TestSendUnknownDestination(t *testing.T) {
	rl := newTestRelay()
	rl.Connect("ops", "a", bufferedWire())

	msg, err := model.New(model.TypeNegotiate, model.Negotiate{To: "ghost"})
	require.NoError(t, err)
	msg.SRC, msg.DST = "a", "ghost"

	assert.False(t, rl.Send(context.Background(), msg, "ops"))
}

func TestDisconnectStopsDelivery(t *testing.T) {
	rl := newTestRelay()

	wb := bufferedWire()
	rl.Connect("ops", "a", bufferedWire())
	rl.Connect("ops", "b", wb)
	rl.Disconnect("ops", "b")

	msg, err := model.New(model.TypeNegotiate, model.Negotiate{To: "b"})
	require.NoError(t, err)
	msg.SRC, msg.DST = "a", "b"

	assert.False(t, rl.Send(context.Background(), msg, "ops"))
	assert.Empty(t, wb.TX)
}

func TestBroadcastCanceledContext(t *testing.T) {
	rl := newTestRelay()

	// unbuffered wire with no reader would block until the forward
	// timeout; cancellation must win first
	rl.Connect("ops", "b", model.NewWire())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := model.New(model.TypeFloorClaimed, model.Floor{Identity: "a"})
	require.NoError(t, err)
	msg.SRC = "a"

	rl.Broadcast(ctx, msg, "ops")
}
