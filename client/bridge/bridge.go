// Package bridge turns the raw signaling stream into typed presence,
// floor and negotiation events and fans them out to any number of
// subscribers. Handlers for one event kind run in registration order,
// and all dispatch happens on the single Run goroutine, so subscribers
// observe events serialized in arrival order.
package bridge

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/telsiz/telsiz/model"
)

type Bridge struct {
	logger zerolog.Logger

	roomJoined    []func(model.RoomJoined)
	memberJoined  []func(model.MemberInfo)
	memberLeft    []func(model.MemberLeft)
	floorClaimed  []func(model.Floor)
	floorReleased []func(model.Floor)
	negotiate     []func(model.Negotiate)
	serverError   []func(model.ErrorInfo)
	closed        []func()
}

func New(logger *zerolog.Logger) *Bridge {
	return &Bridge{
		logger: logger.With().Str("component", "bridge").Logger(),
	}
}

// Registration is not safe concurrently with Run; subscribe everything
// up front.

func (b *Bridge) OnRoomJoined(fn func(model.RoomJoined))   { b.roomJoined = append(b.roomJoined, fn) }
func (b *Bridge) OnMemberJoined(fn func(model.MemberInfo)) { b.memberJoined = append(b.memberJoined, fn) }
func (b *Bridge) OnMemberLeft(fn func(model.MemberLeft))   { b.memberLeft = append(b.memberLeft, fn) }
func (b *Bridge) OnFloorClaimed(fn func(model.Floor))      { b.floorClaimed = append(b.floorClaimed, fn) }
func (b *Bridge) OnFloorReleased(fn func(model.Floor))     { b.floorReleased = append(b.floorReleased, fn) }
func (b *Bridge) OnNegotiate(fn func(model.Negotiate))     { b.negotiate = append(b.negotiate, fn) }
func (b *Bridge) OnServerError(fn func(model.ErrorInfo))   { b.serverError = append(b.serverError, fn) }

// OnClosed fires when the incoming stream ends (transport loss or
// deliberate shutdown).
func (b *Bridge) OnClosed(fn func()) { b.closed = append(b.closed, fn) }

// Run dispatches until the context is canceled or the channel closes.
func (b *Bridge) Run(ctx context.Context, in <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				for _, fn := range b.closed {
					fn()
				}
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *Bridge) dispatch(msg model.Message) {
	switch msg.Type {
	case model.TypeRoomJoined:
		var ev model.RoomJoined
		if b.decode(msg, &ev) {
			for _, fn := range b.roomJoined {
				fn(ev)
			}
		}
	case model.TypeMemberJoined:
		var ev model.MemberInfo
		if b.decode(msg, &ev) {
			for _, fn := range b.memberJoined {
				fn(ev)
			}
		}
	case model.TypeMemberLeft:
		var ev model.MemberLeft
		if b.decode(msg, &ev) {
			for _, fn := range b.memberLeft {
				fn(ev)
			}
		}
	case model.TypeFloorClaimed:
		var ev model.Floor
		if b.decode(msg, &ev) {
			for _, fn := range b.floorClaimed {
				fn(ev)
			}
		}
	case model.TypeFloorReleased:
		var ev model.Floor
		if b.decode(msg, &ev) {
			for _, fn := range b.floorReleased {
				fn(ev)
			}
		}
	case model.TypeNegotiate:
		var ev model.Negotiate
		if b.decode(msg, &ev) {
			for _, fn := range b.negotiate {
				fn(ev)
			}
		}
	case model.TypeError:
		var ev model.ErrorInfo
		if b.decode(msg, &ev) {
			for _, fn := range b.serverError {
				fn(ev)
			}
		}
	default:
		b.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (b *Bridge) decode(msg model.Message, v any) bool {
	if err := msg.Decode(v); err != nil {
		b.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to decode payload")
		return false
	}
	return true
}
