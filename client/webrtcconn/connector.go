// Package webrtcconn implements the peer connectivity boundary over
// pion/webrtc. Offers, answers and route candidates travel as opaque
// JSON blobs; only this package knows their shape.
package webrtcconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/telsiz/telsiz/client/peer"
)

type Config struct {
	ICEServers []pion.ICEServer

	// OnRemoteTrack delivers inbound audio; playback is the app's
	// problem, not the mesh's.
	OnRemoteTrack func(peerID string, track *pion.TrackRemote, receiver *pion.RTPReceiver)

	Logger *zerolog.Logger
}

type Connector struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "webrtc-connector").Logger(),
	}
}

func (c *Connector) Open(peerID string, ev peer.Events) (peer.Link, error) {
	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			return
		}
		b, mErr := json.Marshal(cand.ToJSON())
		if mErr != nil {
			c.logger.Error().Err(mErr).Str("peer", peerID).Msg("failed to marshal candidate")
			return
		}
		ev.Candidate(peerID, b)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		c.logger.Debug().Str("peer", peerID).Str("state", state.String()).Msg("connection state")
		switch state {
		case pion.PeerConnectionStateConnected:
			ev.Up(peerID)
		case pion.PeerConnectionStateFailed,
			pion.PeerConnectionStateDisconnected,
			pion.PeerConnectionStateClosed:
			ev.Down(peerID)
		default:
		}
	})

	if c.cfg.OnRemoteTrack != nil {
		pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
			c.cfg.OnRemoteTrack(peerID, track, receiver)
		})
	}

	return &link{pc: pc}, nil
}

// link wraps one PeerConnection. Candidates arriving before the remote
// description are held back; pion rejects them otherwise.
type link struct {
	pc *pion.PeerConnection

	mu      sync.Mutex
	sender  *pion.RTPSender
	pending []pion.ICECandidateInit
}

func (l *link) Offer(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err = l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(l.pc.LocalDescription())
}

func (l *link) Answer(ctx context.Context, offer []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var desc pion.SessionDescription
	if err := json.Unmarshal(offer, &desc); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err = l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(l.pc.LocalDescription())
}

func (l *link) AcceptAnswer(answer []byte) error {
	var desc pion.SessionDescription
	if err := json.Unmarshal(answer, &desc); err != nil {
		return fmt.Errorf("parse answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	l.flushPending()
	return nil
}

func (l *link) AddCandidate(candidate []byte) error {
	var ice pion.ICECandidateInit
	if err := json.Unmarshal(candidate, &ice); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}

	l.mu.Lock()
	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, ice)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(ice); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *link) flushPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, ice := range pending {
		_ = l.pc.AddICECandidate(ice)
	}
}

func (l *link) AttachTrack(t peer.LocalTrack) error {
	track, ok := t.(pion.TrackLocal)
	if !ok {
		return fmt.Errorf("unsupported track type %T", t)
	}
	sender, err := l.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	l.mu.Lock()
	l.sender = sender
	l.mu.Unlock()
	return nil
}

func (l *link) DetachTrack() error {
	l.mu.Lock()
	sender := l.sender
	l.sender = nil
	l.mu.Unlock()

	if sender == nil {
		return nil
	}
	if err := l.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (l *link) Close() error {
	return l.pc.Close()
}
