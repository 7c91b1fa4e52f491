// Package peer maintains the client-side full mesh: exactly one
// session per other current room member, each driven through its own
// negotiation state machine. All mutation happens on one event loop;
// presence events, relayed negotiation steps, connector callbacks and
// track changes are funneled through a single channel in arrival
// order.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telsiz/telsiz/model"
)

const (
	maxBufferedCandidates  = 32
	candidateBufferTTL     = 30 * time.Second
	candidatePruneInterval = 5 * time.Second

	degradedThreshold = 3
	retryBaseDelay    = 500 * time.Millisecond
	retryMaxDelay     = 8 * time.Second
)

type (
	evRoster struct {
		self    string
		members []model.MemberInfo
	}
	evPeerJoined struct{ id, name string }
	evPeerLeft   struct{ id string }
	evNegotiate  struct {
		from, kind string
		payload    []byte
	}
	evLinkUp       struct{ id string }
	evLinkDown     struct{ id string }
	evCandidateOut struct {
		id      string
		payload []byte
	}
	evOfferReady struct {
		id      string
		epoch   uint64
		payload []byte
		err     error
	}
	evAnswerReady struct {
		id      string
		epoch   uint64
		payload []byte
		err     error
	}
	evSetTrack   struct{ t LocalTrack }
	evClearTrack struct{}
	evRetry      struct{ id string }
)

type pendingCandidates struct {
	items   [][]byte
	expires time.Time
}

type Config struct {
	Connector Connector
	Send      Sender

	// Degraded fires once a peer's negotiation has failed
	// degradedThreshold times in a row.
	Degraded func(peerID string)

	Logger *zerolog.Logger
}

type Manager struct {
	logger    zerolog.Logger
	connector Connector
	send      Sender
	degraded  func(string)

	self     string
	roster   map[string]string
	sessions map[string]*session
	pending  map[string]*pendingCandidates
	failures map[string]int
	retries  map[string]*time.Timer
	track    LocalTrack

	runCtx context.Context
	events chan any
	done   chan struct{}

	mu sync.Mutex // guards the state snapshot readers only
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:    cfg.Logger.With().Str("component", "peer-manager").Logger(),
		connector: cfg.Connector,
		send:      cfg.Send,
		degraded:  cfg.Degraded,
		roster:    make(map[string]string),
		sessions:  make(map[string]*session),
		pending:   make(map[string]*pendingCandidates),
		failures:  make(map[string]int),
		retries:   make(map[string]*time.Timer),
		events:    make(chan any, 256),
		done:      make(chan struct{}),
	}
	if m.degraded == nil {
		m.degraded = func(string) {}
	}
	return m
}

// Attach subscribes the manager to a presence/negotiation source.
type Source interface {
	OnRoomJoined(func(model.RoomJoined))
	OnMemberJoined(func(model.MemberInfo))
	OnMemberLeft(func(model.MemberLeft))
	OnNegotiate(func(model.Negotiate))
}

func (m *Manager) Attach(src Source) {
	src.OnRoomJoined(m.HandleRoomJoined)
	src.OnMemberJoined(m.HandleMemberJoined)
	src.OnMemberLeft(m.HandleMemberLeft)
	src.OnNegotiate(m.HandleNegotiate)
}

func (m *Manager) HandleRoomJoined(ev model.RoomJoined) {
	m.post(evRoster{self: ev.Identity, members: ev.Members})
}

func (m *Manager) HandleMemberJoined(ev model.MemberInfo) {
	m.post(evPeerJoined{id: ev.Identity, name: ev.DisplayName})
}

func (m *Manager) HandleMemberLeft(ev model.MemberLeft) {
	m.post(evPeerLeft{id: ev.Identity})
}

func (m *Manager) HandleNegotiate(ev model.Negotiate) {
	m.post(evNegotiate{from: ev.From, kind: ev.Kind, payload: ev.Payload})
}

// SetTrack attaches the local capture track to every live session and
// lets idle sessions start offering.
func (m *Manager) SetTrack(t LocalTrack) {
	m.post(evSetTrack{t: t})
}

// ClearTrack detaches the track everywhere. Sessions stay open: the
// mesh keeps receiving and is ready for the next transmission.
func (m *Manager) ClearTrack() {
	m.post(evClearTrack{})
}

// Events implementation: connector callbacks re-enter the loop.

func (m *Manager) Candidate(peerID string, payload []byte) {
	m.post(evCandidateOut{id: peerID, payload: payload})
}

func (m *Manager) Up(peerID string)   { m.post(evLinkUp{id: peerID}) }
func (m *Manager) Down(peerID string) { m.post(evLinkDown{id: peerID}) }

func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run is the manager loop. It returns when ctx is canceled, after
// closing every session.
func (m *Manager) Run(ctx context.Context) {
	m.runCtx = ctx
	prune := time.NewTicker(candidatePruneInterval)
	defer func() {
		prune.Stop()
		m.closeAll()
		close(m.done)
		m.logger.Debug().Msg("manager stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handle(ev)
		case <-prune.C:
			m.prunePending()
		}
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case evRoster:
		// joining a room (or moving to another one) replaces the
		// whole roster; sessions to peers outside it are closed
		m.self = e.self
		next := make(map[string]string, len(e.members))
		for _, mem := range e.members {
			next[mem.Identity] = mem.DisplayName
		}
		for id := range m.sessions {
			if _, ok := next[id]; !ok {
				m.closeSession(id)
				delete(m.pending, id)
				delete(m.failures, id)
				m.stopRetry(id)
			}
		}
		m.roster = next
		for _, mem := range e.members {
			m.ensureSession(mem.Identity)
		}
	case evPeerJoined:
		m.roster[e.id] = e.name
		m.ensureSession(e.id)
	case evPeerLeft:
		delete(m.roster, e.id)
		delete(m.pending, e.id)
		delete(m.failures, e.id)
		m.stopRetry(e.id)
		m.closeSession(e.id)
	case evNegotiate:
		m.handleNegotiate(e)
	case evLinkUp:
		if s, ok := m.sessions[e.id]; ok && s.state != StateClosed && s.state != StateFailed {
			m.setState(s, StateConnected)
			delete(m.failures, e.id)
		}
	case evLinkDown:
		if s, ok := m.sessions[e.id]; ok && s.state != StateClosed {
			m.fail(s)
		}
	case evCandidateOut:
		if s, ok := m.sessions[e.id]; ok && s.state != StateClosed && s.state != StateFailed {
			m.send(e.id, model.KindRouteCandidate, e.payload)
		}
	case evOfferReady:
		m.finishOffer(e)
	case evAnswerReady:
		m.finishAnswer(e)
	case evSetTrack:
		m.track = e.t
		for _, s := range m.sessions {
			switch {
			case s.link != nil:
				m.attachTrack(s)
			case s.state == StateIdle:
				m.startOffer(s)
			}
		}
	case evClearTrack:
		m.track = nil
		for _, s := range m.sessions {
			if s.link != nil && s.hasTrack {
				if err := s.link.DetachTrack(); err != nil {
					m.logger.Error().Err(err).Str("peer", s.peer).Msg("failed to detach track")
				}
				s.hasTrack = false
			}
		}
	case evRetry:
		delete(m.retries, e.id)
		if _, present := m.roster[e.id]; !present {
			return
		}
		if _, exists := m.sessions[e.id]; exists {
			return
		}
		m.ensureSession(e.id)
	}
}

// ensureSession upholds the mesh invariant: one session per known
// peer. New sessions stay Idle until a local track exists or the peer
// sends an offer.
func (m *Manager) ensureSession(id string) {
	if id == m.self {
		return
	}
	if _, ok := m.sessions[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	s := &session{peer: id, state: StateIdle, ctx: ctx, cancel: cancel}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Debug().Str("peer", id).Msg("session created")

	if m.track != nil {
		m.startOffer(s)
	}
}

func (m *Manager) handleNegotiate(e evNegotiate) {
	switch e.kind {
	case model.KindOffer:
		m.handleOffer(e.from, e.payload)
	case model.KindAnswer:
		m.handleAnswer(e.from, e.payload)
	case model.KindRouteCandidate:
		m.handleCandidate(e.from, e.payload)
	default:
		m.logger.Debug().Str("kind", e.kind).Msg("unknown negotiate kind")
	}
}

func (m *Manager) handleOffer(from string, payload []byte) {
	// an offer can outrun the member-joined event
	if _, ok := m.roster[from]; !ok {
		m.roster[from] = ""
	}

	s, ok := m.sessions[from]
	if !ok {
		m.ensureSessionIdle(from)
		s = m.sessions[from]
		m.startAnswer(s, payload)
		return
	}

	switch s.state {
	case StateIdle:
		m.startAnswer(s, payload)
	case StateOfferSent:
		// glare: the lexicographically smaller identity keeps its
		// offer, the other side discards and answers
		if from < m.self {
			m.logger.Debug().Str("peer", from).Msg("mutual offer, yielding to smaller identity")
			m.startAnswer(s, payload)
		} else {
			m.logger.Debug().Str("peer", from).Msg("mutual offer, keeping own offer")
		}
	case StateAnswerPending, StateConnected:
		// the peer restarted its side; follow it
		m.startAnswer(s, payload)
	default:
	}
}

// ensureSessionIdle creates a session without kicking off an offer,
// for the answering path.
func (m *Manager) ensureSessionIdle(id string) {
	if _, ok := m.sessions[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.runCtx)
	s := &session{peer: id, state: StateIdle, ctx: ctx, cancel: cancel}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Debug().Str("peer", id).Msg("session created for incoming offer")
}

func (m *Manager) handleAnswer(from string, payload []byte) {
	s, ok := m.sessions[from]
	if !ok || s.state != StateOfferSent || s.link == nil {
		m.logger.Debug().Str("peer", from).Msg("stale answer discarded")
		return
	}
	if err := s.link.AcceptAnswer(payload); err != nil {
		m.logger.Error().Err(err).Str("peer", from).Msg("failed to apply answer")
		m.fail(s)
		return
	}
	m.setState(s, StateAnswerPending)
}

func (m *Manager) handleCandidate(from string, payload []byte) {
	s, ok := m.sessions[from]
	if ok && s.link != nil &&
		(s.state == StateOfferSent || s.state == StateAnswerPending || s.state == StateConnected) {
		if err := s.link.AddCandidate(payload); err != nil {
			m.logger.Error().Err(err).Str("peer", from).Msg("failed to apply candidate")
		}
		return
	}
	m.bufferCandidate(from, payload)
}

func (m *Manager) bufferCandidate(from string, payload []byte) {
	q, ok := m.pending[from]
	if !ok {
		q = &pendingCandidates{expires: time.Now().Add(candidateBufferTTL)}
		m.pending[from] = q
	}
	if len(q.items) >= maxBufferedCandidates {
		m.logger.Debug().Str("peer", from).Msg("candidate buffer full, dropping")
		return
	}
	q.items = append(q.items, payload)
}

func (m *Manager) replayCandidates(s *session) {
	q, ok := m.pending[s.peer]
	if !ok {
		return
	}
	delete(m.pending, s.peer)
	for _, c := range q.items {
		if err := s.link.AddCandidate(c); err != nil {
			m.logger.Error().Err(err).Str("peer", s.peer).Msg("failed to replay candidate")
		}
	}
}

func (m *Manager) prunePending() {
	now := time.Now()
	for id, q := range m.pending {
		if now.After(q.expires) {
			m.logger.Debug().Str("peer", id).Int("candidates", len(q.items)).Msg("unmatched candidates expired")
			delete(m.pending, id)
		}
	}
}

// startOffer opens the link and produces the offer off-loop; the
// result comes back as evOfferReady tagged with the session epoch.
func (m *Manager) startOffer(s *session) {
	if !m.openLink(s) {
		return
	}
	m.setState(s, StateOfferSent)
	s.epoch++

	link, epoch, ctx := s.link, s.epoch, s.ctx
	go func() {
		payload, err := link.Offer(ctx)
		m.post(evOfferReady{id: s.peer, epoch: epoch, payload: payload, err: err})
	}()
}

// startAnswer rebuilds the link around the remote offer and produces
// the answer off-loop. Any in-flight offer of our own is superseded:
// the epoch bump makes its result a no-op.
func (m *Manager) startAnswer(s *session, offer []byte) {
	if s.link != nil {
		_ = s.link.Close()
		s.link = nil
		s.hasTrack = false
	}
	if !m.openLink(s) {
		return
	}
	m.setState(s, StateAnswerPending)
	s.epoch++

	link, epoch, ctx := s.link, s.epoch, s.ctx
	go func() {
		payload, err := link.Answer(ctx, offer)
		m.post(evAnswerReady{id: s.peer, epoch: epoch, payload: payload, err: err})
	}()
}

func (m *Manager) openLink(s *session) bool {
	link, err := m.connector.Open(s.peer, m)
	if err != nil {
		m.logger.Error().Err(err).Str("peer", s.peer).Msg("failed to open link")
		m.fail(s)
		return false
	}
	s.link = link
	if m.track != nil {
		m.attachTrack(s)
	}
	m.replayCandidates(s)
	return true
}

func (m *Manager) attachTrack(s *session) {
	if s.hasTrack {
		return
	}
	if err := s.link.AttachTrack(m.track); err != nil {
		m.logger.Error().Err(err).Str("peer", s.peer).Msg("failed to attach track")
		return
	}
	s.hasTrack = true
}

func (m *Manager) finishOffer(e evOfferReady) {
	s, ok := m.sessions[e.id]
	if !ok || s.epoch != e.epoch || s.state != StateOfferSent {
		return // superseded, no side effects
	}
	if e.err != nil {
		m.logger.Error().Err(e.err).Str("peer", e.id).Msg("offer production failed")
		m.fail(s)
		return
	}
	m.send(e.id, model.KindOffer, e.payload)
}

func (m *Manager) finishAnswer(e evAnswerReady) {
	s, ok := m.sessions[e.id]
	if !ok || s.epoch != e.epoch || s.state != StateAnswerPending {
		return
	}
	if e.err != nil {
		m.logger.Error().Err(e.err).Str("peer", e.id).Msg("answer production failed")
		m.fail(s)
		return
	}
	m.send(e.id, model.KindAnswer, e.payload)
}

// fail removes the session and, while the peer is still a room member,
// schedules a fresh one after backoff. Repeated failures surface once
// through the degraded callback.
func (m *Manager) fail(s *session) {
	m.setState(s, StateFailed)
	s.cancel()
	if s.link != nil {
		_ = s.link.Close()
	}
	m.mu.Lock()
	delete(m.sessions, s.peer)
	m.mu.Unlock()

	m.failures[s.peer]++
	count := m.failures[s.peer]
	m.logger.Warn().Str("peer", s.peer).Int("failures", count).Msg("session failed")
	if count == degradedThreshold {
		m.degraded(s.peer)
	}

	if _, present := m.roster[s.peer]; !present {
		return
	}
	delay := backoff(count)
	peer := s.peer
	m.stopRetry(peer)
	m.retries[peer] = time.AfterFunc(delay, func() {
		m.post(evRetry{id: peer})
	})
}

func backoff(failures int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

func (m *Manager) stopRetry(id string) {
	if t, ok := m.retries[id]; ok {
		t.Stop()
		delete(m.retries, id)
	}
}

func (m *Manager) closeSession(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	m.setState(s, StateClosed)
	s.cancel()
	if s.link != nil {
		_ = s.link.Close()
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.logger.Debug().Str("peer", id).Msg("session closed")
}

func (m *Manager) closeAll() {
	for id := range m.sessions {
		m.closeSession(id)
	}
	for id := range m.retries {
		m.stopRetry(id)
	}
}

func (m *Manager) setState(s *session, st State) {
	m.mu.Lock()
	s.state = st
	m.mu.Unlock()
	m.logger.Debug().Str("peer", s.peer).Str("state", st.String()).Msg("session state")
}

// SessionStates is a snapshot of the current mesh, for the app surface
// and tests.
func (m *Manager) SessionStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.state
	}
	return out
}
