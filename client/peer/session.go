package peer

import "context"

// State of one peer session's negotiation.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAnswerPending
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswerPending:
		return "answer-pending"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// session tracks negotiation with one peer. It is owned by the manager
// loop; the epoch counter invalidates async offer/answer results that
// complete after the session was superseded.
type session struct {
	peer     string
	state    State
	link     Link
	epoch    uint64
	hasTrack bool

	ctx    context.Context
	cancel context.CancelFunc
}
