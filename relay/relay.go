package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telsiz/telsiz/model"
)

const (
	defaultFwdTimeout = time.Second
)

// Relay forwards messages between the connected members of a room. It
// never looks inside payloads: targeted negotiation traffic and
// presence broadcasts both pass through verbatim.
type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (rl *Relay) Connect(roomID, identity string, wire model.Wire) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("identity", identity).
			Msg("identity connected")
	}()

	room, ok := rl.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[identity] = wire
	rl.fwd[roomID] = room
}

func (rl *Relay) Disconnect(roomID, identity string) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("identity", identity).
			Msg("identity disconnected")
	}()

	room, ok := rl.fwd[roomID]
	if ok {
		delete(room, identity)
		if len(room) == 0 {
			delete(rl.fwd, roomID)
		}
	}
}

// Broadcast delivers the message to every room member except its SRC.
// Delivery is best effort; members that cannot accept within the
// forward timeout are skipped.
func (rl *Relay) Broadcast(ctx context.Context, msg model.Message, roomID string) {
	msg.DST = "" // clear dst just in case

	rl.mx.RLock()
	room := rl.fwd[roomID]
	wires := make(map[string]model.Wire, len(room))
	for id, w := range room {
		wires[id] = w
	}
	rl.mx.RUnlock()

	var sent bool
	for dst, wire := range wires {
		if dst == msg.SRC {
			continue
		}
		msgSent, canceled := send(ctx, msg, wire.TX, &rl.logger)
		if canceled {
			return
		}
		if msgSent {
			sent = true
		}
	}
	if !sent {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.SRC).
			Msg("broadcast did not reach anyone")
	}
}

// Send delivers the message to msg.DST if that identity is currently
// connected in the room. A missing destination is reported, not
// retried: negotiation messages are time sensitive and a dropped one
// is recovered by renegotiation.
func (rl *Relay) Send(ctx context.Context, msg model.Message, roomID string) bool {
	rl.mx.RLock()
	wire, ok := rl.fwd[roomID][msg.DST]
	rl.mx.RUnlock()

	logger := rl.logger.With().
		Str("roomID", roomID).
		Str("type", msg.Type).
		Str("src", msg.SRC).Logger()

	if !ok {
		logger.Debug().Str("dst", msg.DST).Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, msg, wire.TX, &logger)
	return sent
}

func send(ctx context.Context, msg model.Message, tx chan<- model.Message, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", msg.DST).Msg("dead endpoint")
	case tx <- msg:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
