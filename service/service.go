package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/telsiz/telsiz/directory"
	"github.com/telsiz/telsiz/metrics"
	"github.com/telsiz/telsiz/model"
	"github.com/telsiz/telsiz/relay"
)

const (
	defaultReplyTimeout = time.Second
)

var (
	ErrJoin = errors.New("unable to join room")
)

type (
	Service struct {
		dir    *directory.Directory
		relay  *relay.Relay
		mtr    *metrics.Metrics
		logger zerolog.Logger
	}

	Config struct {
		Directory *directory.Directory
		Relay     *relay.Relay
		Metrics   *metrics.Metrics
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		dir:    cfg.Directory,
		relay:  cfg.Relay,
		mtr:    cfg.Metrics,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// HandleSession is the per-identity event loop. It consumes the wire's
// RX channel until the context is canceled or the channel closes, and
// always tears the membership down on exit so transport loss and
// explicit leave end up in the same place.
func (svc *Service) HandleSession(ctx context.Context, identity string, wire model.Wire) {
	var roomID string

	defer func() {
		// the session context is already canceled here; departure
		// events still have to reach the remaining members
		svc.leave(context.WithoutCancel(ctx), identity, &roomID)
		svc.logger.Debug().Str("identity", identity).Msg("session ended")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-wire.RX:
			if !ok {
				return
			}
			msg.SRC = identity
			svc.dispatch(ctx, identity, &roomID, wire, msg)
		}
	}
}

func (svc *Service) dispatch(ctx context.Context, identity string, roomID *string, wire model.Wire, msg model.Message) {
	switch msg.Type {
	case model.TypeJoinRoom:
		svc.handleJoin(ctx, identity, roomID, wire, msg)
	case model.TypeLeaveRoom:
		svc.leave(ctx, identity, roomID)
	case model.TypeFloorClaim:
		if room, ok := svc.dir.ClaimFloor(identity); ok {
			svc.mtr.FloorClaims.Inc()
			svc.broadcast(ctx, room, identity, model.TypeFloorClaimed, model.Floor{Identity: identity})
		}
	case model.TypeFloorRelease:
		if room, ok := svc.dir.ReleaseFloor(identity); ok {
			svc.broadcast(ctx, room, identity, model.TypeFloorReleased, model.Floor{Identity: identity})
		}
	case model.TypeNegotiate:
		svc.handleNegotiate(ctx, identity, *roomID, wire, msg)
	default:
		svc.logger.Debug().Str("identity", identity).Str("type", msg.Type).Msg("unknown message type")
		svc.sendError(ctx, wire, model.CodeBadRequest, "unknown message type: "+msg.Type)
	}
}

func (svc *Service) handleJoin(ctx context.Context, identity string, roomID *string, wire model.Wire, msg model.Message) {
	var req model.JoinRoom
	if err := msg.Decode(&req); err != nil || req.RoomID == "" {
		svc.sendError(ctx, wire, model.CodeBadRequest, "malformed join-room payload")
		return
	}

	res, err := svc.dir.Join(req.RoomID, identity, req.DisplayName, req.Secret)
	if err != nil {
		svc.logger.Debug().Err(err).
			Str("identity", identity).
			Str("roomID", req.RoomID).
			Msg("join rejected")
		svc.sendError(ctx, wire, joinErrCode(err), errors.Join(ErrJoin, err).Error())
		return
	}

	// a re-join moves the identity; emit the departure in the old room
	if res.Prev != nil {
		svc.relay.Disconnect(res.Prev.RoomID, identity)
		svc.emitDeparture(ctx, res.Prev)
	}

	svc.relay.Connect(res.RoomID, identity, wire)
	*roomID = res.RoomID
	svc.mtr.Joins.Inc()

	// self gets the full list, others get the incremental event
	reply, _ := model.New(model.TypeRoomJoined, model.RoomJoined{
		RoomID:   res.RoomID,
		Identity: identity,
		Members:  res.Members,
	})
	svc.sendTo(ctx, wire, reply)
	svc.broadcast(ctx, res.RoomID, identity, model.TypeMemberJoined, model.MemberInfo{
		Identity:    identity,
		DisplayName: req.DisplayName,
	})

	svc.logger.Debug().
		Str("identity", identity).
		Str("roomID", res.RoomID).
		Msg("identity joined room")
}

func (svc *Service) handleNegotiate(ctx context.Context, identity, roomID string, wire model.Wire, msg model.Message) {
	var req model.Negotiate
	if err := msg.Decode(&req); err != nil || req.To == "" {
		svc.sendError(ctx, wire, model.CodeBadRequest, "malformed negotiate payload")
		return
	}
	switch req.Kind {
	case model.KindOffer, model.KindAnswer, model.KindRouteCandidate:
	default:
		svc.sendError(ctx, wire, model.CodeBadRequest, "unknown negotiate kind: "+req.Kind)
		return
	}
	if roomID == "" {
		svc.sendError(ctx, wire, model.CodeBadRequest, "negotiate before joining a room")
		return
	}

	out, _ := model.New(model.TypeNegotiate, model.Negotiate{
		From:    identity,
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	out.SRC = identity
	out.DST = req.To

	// unreachable targets are dropped, not errored: the peer manager
	// recovers by renegotiating when presence catches up
	if svc.relay.Send(ctx, out, roomID) {
		svc.mtr.Relayed.Inc()
	} else {
		svc.mtr.RelayDropped.Inc()
	}
}

func (svc *Service) leave(ctx context.Context, identity string, roomID *string) {
	dep, ok := svc.dir.Leave(identity)
	if !ok {
		return
	}
	svc.relay.Disconnect(dep.RoomID, identity)
	svc.emitDeparture(ctx, dep)
	*roomID = ""
	svc.mtr.Leaves.Inc()

	svc.logger.Debug().
		Str("identity", identity).
		Str("roomID", dep.RoomID).
		Msg("identity left room")
}

func (svc *Service) emitDeparture(ctx context.Context, dep *directory.Departure) {
	if dep.RoomDeleted {
		return
	}
	svc.broadcast(ctx, dep.RoomID, dep.Identity, model.TypeMemberLeft, model.MemberLeft{Identity: dep.Identity})
	if dep.FloorReleased {
		svc.broadcast(ctx, dep.RoomID, dep.Identity, model.TypeFloorReleased, model.Floor{Identity: dep.Identity})
	}
}

func (svc *Service) broadcast(ctx context.Context, roomID, src, typ string, payload any) {
	msg, err := model.New(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("failed to marshal broadcast payload")
		return
	}
	msg.SRC = src
	svc.relay.Broadcast(ctx, msg, roomID)
}

func (svc *Service) sendError(ctx context.Context, wire model.Wire, code, message string) {
	msg, _ := model.New(model.TypeError, model.ErrorInfo{Code: code, Message: message})
	svc.sendTo(ctx, wire, msg)
}

func (svc *Service) sendTo(ctx context.Context, wire model.Wire, msg model.Message) {
	t := time.NewTimer(defaultReplyTimeout)
	defer t.Stop()
	select {
	case wire.TX <- msg:
	case <-t.C:
		svc.logger.Error().Str("type", msg.Type).Msg("dead endpoint, reply dropped")
	case <-ctx.Done():
	}
}

func joinErrCode(err error) string {
	switch {
	case errors.Is(err, directory.ErrAccessDenied):
		return model.CodeAccessDenied
	case errors.Is(err, directory.ErrRoomNotFound):
		return model.CodeRoomNotFound
	default:
		return model.CodeBadRequest
	}
}
