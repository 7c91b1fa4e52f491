package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telsiz/telsiz/directory"
	"github.com/telsiz/telsiz/metrics"
	"github.com/telsiz/telsiz/model"
	"github.com/telsiz/telsiz/relay"
)

const recvTimeout = 2 * time.Second

type harness struct {
	svc *Service
	mtr *metrics.Metrics
	ctx context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := zerolog.Nop()
	dir := directory.New(directory.Config{ImplicitCreate: true})
	mtr := metrics.New(prometheus.NewRegistry(), dir.Stats)
	svc := NewService(Config{
		Directory: dir,
		Relay:     relay.New(&logger),
		Metrics:   mtr,
		Logger:    &logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &harness{svc: svc, mtr: mtr, ctx: ctx}
}

type client struct {
	t      *testing.T
	wire   model.Wire
	cancel context.CancelFunc
}

func (h *harness) connect(t *testing.T, identity string) *client {
	t.Helper()

	wire := model.Wire{
		RX: make(chan model.Message, 16),
		TX: make(chan model.Message, 16),
	}
	ctx, cancel := context.WithCancel(h.ctx)
	go h.svc.HandleSession(ctx, identity, wire)

	return &client{t: t, wire: wire, cancel: cancel}
}

func (c *client) send(typ string, payload any) {
	c.t.Helper()
	msg, err := model.New(typ, payload)
	require.NoError(c.t, err)
	c.wire.RX <- msg
}

func (c *client) recv() model.Message {
	c.t.Helper()
	select {
	case msg := <-c.wire.TX:
		return msg
	case <-time.After(recvTimeout):
		c.t.Fatal("timed out waiting for server message")
		return model.Message{}
	}
}

func (c *client) recvType(typ string) model.Message {
	c.t.Helper()
	msg := c.recv()
	require.Equal(c.t, typ, msg.Type)
	return msg
}

func (c *client) expectSilence() {
	c.t.Helper()
	select {
	case msg := <-c.wire.TX:
		c.t.Fatalf("unexpected message: %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func (c *client) join(roomID, name, secret string) model.RoomJoined {
	c.t.Helper()
	c.send(model.TypeJoinRoom, model.JoinRoom{RoomID: roomID, DisplayName: name, Secret: secret})
	var res model.RoomJoined
	require.NoError(c.t, c.recvType(model.TypeRoomJoined).Decode(&res))
	return res
}

func TestJoinAndPresence(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	res := a.join("ops", "Alice", "")
	assert.Equal(t, "ops", res.RoomID)
	assert.Equal(t, "alice", res.Identity)
	assert.Empty(t, res.Members)

	res = b.join("ops", "Bob", "")
	require.Len(t, res.Members, 1)
	assert.Equal(t, "alice", res.Members[0].Identity)
	assert.Equal(t, "Alice", res.Members[0].DisplayName)

	var joined model.MemberInfo
	require.NoError(t, a.recvType(model.TypeMemberJoined).Decode(&joined))
	assert.Equal(t, "bob", joined.Identity)
	assert.Equal(t, "Bob", joined.DisplayName)
}

func TestJoinRejectedBadSecret(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("secure", "Alice", "s3cret")

	b.send(model.TypeJoinRoom, model.JoinRoom{RoomID: "secure", DisplayName: "Bob", Secret: "nope"})
	var errInfo model.ErrorInfo
	require.NoError(t, b.recvType(model.TypeError).Decode(&errInfo))
	assert.Equal(t, model.CodeAccessDenied, errInfo.Code)

	// the member already inside sees nothing
	a.expectSilence()
}

func TestNegotiateRelay(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("ops", "Alice", "")
	b.join("ops", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	b.send(model.TypeNegotiate, model.Negotiate{
		To:      "alice",
		Kind:    model.KindOffer,
		Payload: []byte(`{"sdp":"v=0"}`),
	})

	var neg model.Negotiate
	require.NoError(t, a.recvType(model.TypeNegotiate).Decode(&neg))
	assert.Equal(t, "bob", neg.From)
	assert.Empty(t, neg.To)
	assert.Equal(t, model.KindOffer, neg.Kind)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(neg.Payload))

	a.send(model.TypeNegotiate, model.Negotiate{
		To:      "bob",
		Kind:    model.KindAnswer,
		Payload: []byte(`{"sdp":"v=0 answer"}`),
	})
	require.NoError(t, b.recvType(model.TypeNegotiate).Decode(&neg))
	assert.Equal(t, "alice", neg.From)
	assert.Equal(t, model.KindAnswer, neg.Kind)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.mtr.Relayed))
}

func TestNegotiateUnreachableTargetDropped(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")

	a.join("ops", "Alice", "")
	a.send(model.TypeNegotiate, model.Negotiate{
		To:      "ghost",
		Kind:    model.KindRouteCandidate,
		Payload: []byte(`{}`),
	})

	// silent drop, no error back to the sender
	a.expectSilence()
	assert.Equal(t, float64(1), testutil.ToFloat64(h.mtr.RelayDropped))
}

func TestNegotiateValidation(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")

	a.send(model.TypeNegotiate, model.Negotiate{To: "bob", Kind: model.KindOffer})
	var errInfo model.ErrorInfo
	require.NoError(t, a.recvType(model.TypeError).Decode(&errInfo))
	assert.Equal(t, model.CodeBadRequest, errInfo.Code)

	a.join("ops", "Alice", "")

	a.send(model.TypeNegotiate, model.Negotiate{To: "bob", Kind: "renegotiate"})
	require.NoError(t, a.recvType(model.TypeError).Decode(&errInfo))
	assert.Equal(t, model.CodeBadRequest, errInfo.Code)

	a.send(model.TypeNegotiate, model.Negotiate{Kind: model.KindOffer})
	require.NoError(t, a.recvType(model.TypeError).Decode(&errInfo))
	assert.Equal(t, model.CodeBadRequest, errInfo.Code)
}

func TestFloorBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("ops", "Alice", "")
	b.join("ops", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	b.send(model.TypeFloorClaim, nil)
	var floor model.Floor
	require.NoError(t, a.recvType(model.TypeFloorClaimed).Decode(&floor))
	assert.Equal(t, "bob", floor.Identity)
	// the claimer gets no echo
	b.expectSilence()

	b.send(model.TypeFloorRelease, nil)
	require.NoError(t, a.recvType(model.TypeFloorReleased).Decode(&floor))
	assert.Equal(t, "bob", floor.Identity)
}

func TestFloorReleaseByNonHolderNotBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("ops", "Alice", "")
	b.join("ops", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	b.send(model.TypeFloorClaim, nil)
	a.recvType(model.TypeFloorClaimed)

	a.send(model.TypeFloorRelease, nil)
	b.expectSilence()
}

func TestDisconnectEmitsDepartureAndFloorRelease(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("ops", "Alice", "")
	b.join("ops", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	b.send(model.TypeFloorClaim, nil)
	a.recvType(model.TypeFloorClaimed)

	// transport loss, not an explicit leave
	b.cancel()

	var left model.MemberLeft
	require.NoError(t, a.recvType(model.TypeMemberLeft).Decode(&left))
	assert.Equal(t, "bob", left.Identity)

	var floor model.Floor
	require.NoError(t, a.recvType(model.TypeFloorReleased).Decode(&floor))
	assert.Equal(t, "bob", floor.Identity)
}

func TestExplicitLeave(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("ops", "Alice", "")
	b.join("ops", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	b.send(model.TypeLeaveRoom, nil)

	var left model.MemberLeft
	require.NoError(t, a.recvType(model.TypeMemberLeft).Decode(&left))
	assert.Equal(t, "bob", left.Identity)

	// negotiation to the departed member is dropped silently
	a.send(model.TypeNegotiate, model.Negotiate{
		To:      "bob",
		Kind:    model.KindOffer,
		Payload: []byte(`{}`),
	})
	a.expectSilence()
	b.expectSilence()
}

func TestRejoinMovesRooms(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")
	b := h.connect(t, "bob")

	a.join("one", "Alice", "")
	b.join("one", "Bob", "")
	a.recvType(model.TypeMemberJoined)

	res := b.join("two", "Bob", "")
	assert.Equal(t, "two", res.RoomID)
	assert.Empty(t, res.Members)

	var left model.MemberLeft
	require.NoError(t, a.recvType(model.TypeMemberLeft).Decode(&left))
	assert.Equal(t, "bob", left.Identity)
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "alice")

	a.send("shout", nil)
	var errInfo model.ErrorInfo
	require.NoError(t, a.recvType(model.TypeError).Decode(&errInfo))
	assert.Equal(t, model.CodeBadRequest, errInfo.Code)
}
