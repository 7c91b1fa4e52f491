package peer

import "context"

// LocalTrack is the connector-specific handle for the local audio
// track. The manager only passes it through; the connector knows what
// it really is.
type LocalTrack any

// Events are the connectivity callbacks for links. Implementations may
// invoke them from any goroutine; the Manager serializes them onto its
// event loop.
type Events interface {
	Candidate(peerID string, payload []byte)
	Up(peerID string)
	Down(peerID string)
}

// Link is one direct connection under negotiation with a single peer.
// Offer and Answer may block while the underlying stack gathers its
// description; the manager runs them off its loop and honors ctx
// cancellation when the session is superseded or closed.
type Link interface {
	Offer(ctx context.Context) ([]byte, error)
	Answer(ctx context.Context, offer []byte) ([]byte, error)
	AcceptAnswer(answer []byte) error
	AddCandidate(candidate []byte) error
	AttachTrack(t LocalTrack) error
	DetachTrack() error
	Close() error
}

// Connector opens Links. It is the boundary to the external
// connectivity layer; the core never inspects what flows through it.
type Connector interface {
	Open(peerID string, ev Events) (Link, error)
}

// Sender relays one negotiation step to a peer through the signaling
// server.
type Sender func(to, kind string, payload []byte)
