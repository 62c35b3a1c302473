package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
)

const (
	DefaultGraceWindow = 30 * time.Second
	DefaultEvictAfter  = 5 * time.Minute
)

// EndedHook runs after a session reaches its terminal state. Hooks must
// not block; the relay and pipeline use them to release per-session
// resources (ICE buffer, parked frames, in-flight analysis).
type EndedHook func(sid domain.SessionID, reason string)

type sessionEntry struct {
	sess    *domain.Session
	conns   map[domain.ParticipantID]core.SignalConnection
	offerer domain.ParticipantID

	graceTimer *time.Timer
	evictTimer *time.Timer
	idleTimer  *time.Timer

	frames    int
	scoreSum  float64
	lastScore float64
	summary   *core.SessionSummary
}

// Registry is the single source of truth for session lifecycle. It is the
// only shared mutable structure: one map behind an RWMutex, every
// transition funneled through its methods.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry

	grace      time.Duration
	evictAfter time.Duration

	hookMu sync.RWMutex
	hooks  []EndedHook
}

func NewRegistry(grace, evictAfter time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}
	return &Registry{
		sessions:   make(map[domain.SessionID]*sessionEntry),
		grace:      grace,
		evictAfter: evictAfter,
	}
}

// OnEnded registers a cleanup hook. Registration happens during wiring,
// before traffic.
func (r *Registry) OnEnded(fn EndedHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Create registers a new session in Created state.
func (r *Registry) Create(kind domain.SessionKind, participants []domain.ParticipantID, metadata map[string]string) (*domain.Session, error) {
	if len(participants) > domain.MaxParticipants {
		return nil, domain.ErrSessionFull
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("session needs at least one participant")
	}
	sess := domain.NewSession(kind, participants, metadata)

	r.mu.Lock()
	e := &sessionEntry{
		sess:  sess,
		conns: make(map[domain.ParticipantID]core.SignalConnection),
	}
	// A session that never starts negotiating is abandoned after the
	// eviction window instead of living in the map forever.
	e.idleTimer = time.AfterFunc(r.evictAfter, func() { r.expireIdle(sess.ID) })
	r.sessions[sess.ID] = e
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID)).
		Str("kind", string(kind)).Int("participants", len(participants)).Msg("session created")
	return sess, nil
}

// Snapshot returns a read-only view of a session.
func (r *Registry) Snapshot(sid domain.SessionID) (core.SessionDTO, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return core.SessionDTO{}, domain.ErrSessionNotFound
	}
	return core.SessionDTO{
		ID:           e.sess.ID,
		Kind:         e.sess.Kind,
		State:        e.sess.State.String(),
		Participants: append([]domain.ParticipantID(nil), e.sess.Participants...),
		CreatedAt:    e.sess.CreatedAt,
	}, nil
}

// State returns the current lifecycle state.
func (r *Registry) State(sid domain.SessionID) (domain.SessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return 0, domain.ErrSessionNotFound
	}
	return e.sess.State, nil
}

// StreamingEligible reports whether the telemetry pipeline may accept
// frames for the session.
func (r *Registry) StreamingEligible(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	return ok && e.sess.State == domain.StateConnected
}

// SessionActive reports whether the session exists and has not ended.
// The telemetry pipeline uses it to refuse state for dead session ids.
func (r *Registry) SessionActive(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	return ok && !e.sess.State.Terminal()
}

// Attach binds a participant's signaling connection. A third identity is
// rejected with ErrSessionFull. Attaching to a Reconnecting session is a
// resumption: the session returns to Connected with participants
// unchanged and the grace timer stopped.
func (r *Registry) Attach(sid domain.SessionID, pid domain.ParticipantID, conn core.SignalConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if e.sess.State.Terminal() {
		return domain.ErrSessionClosed
	}
	if !e.sess.Has(pid) {
		if len(e.sess.Participants) >= domain.MaxParticipants {
			return domain.ErrSessionFull
		}
		e.sess.Participants = append(e.sess.Participants, pid)
	}
	e.conns[pid] = conn

	if e.sess.State == domain.StateReconnecting {
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
		e.sess.State = domain.StateConnected
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).
			Str("pid", string(pid)).Msg("session resumed")
	} else {
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).
			Str("pid", string(pid)).Str("state", e.sess.State.String()).Msg("participant attached")
	}
	return nil
}

// Detach unbinds a participant's connection after a socket drop. A drop
// while Connected opens the reconnect grace window instead of ending the
// session; expiry of the window ends it. The caller passes the conn it
// owns: a stale pump whose socket was already replaced by a redial must
// not unbind the replacement.
func (r *Registry) Detach(sid domain.SessionID, pid domain.ParticipantID, conn core.SignalConnection) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.conns[pid] != conn {
		r.mu.Unlock()
		return
	}
	delete(e.conns, pid)

	if e.sess.State == domain.StateConnected {
		e.sess.State = domain.StateReconnecting
		e.graceTimer = time.AfterFunc(r.grace, func() { r.expireGrace(sid) })
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).
			Str("pid", string(pid)).Dur("grace", r.grace).Msg("socket dropped, reconnect window open")
	}
	r.mu.Unlock()
}

func (r *Registry) expireIdle(sid domain.SessionID) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	idle := ok && e.sess.State == domain.StateCreated
	r.mu.RUnlock()
	if !idle {
		return
	}
	log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Msg("session never negotiated")
	_, _ = r.End(sid, "abandoned before negotiation")
}

func (r *Registry) expireGrace(sid domain.SessionID) {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	expired := ok && e.sess.State == domain.StateReconnecting
	r.mu.RUnlock()
	if !expired {
		return
	}
	log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Msg("reconnect window expired")
	_, _ = r.End(sid, "reconnect window expired")
}

// Conn returns a participant's bound connection, if any.
func (r *Registry) Conn(sid domain.SessionID, pid domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	c, ok := e.conns[pid]
	return c, ok
}

// Conns returns all currently bound connections of a session.
func (r *Registry) Conns(sid domain.SessionID) []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]core.SignalConnection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Peer resolves the other participant of a session and their connection.
// The connection may be nil while that participant is between sockets.
func (r *Registry) Peer(sid domain.SessionID, from domain.ParticipantID) (domain.ParticipantID, core.SignalConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return "", nil, domain.ErrSessionNotFound
	}
	if e.sess.State.Terminal() {
		return "", nil, domain.ErrSessionClosed
	}
	pid, ok := e.sess.Peer(from)
	if !ok {
		return "", nil, fmt.Errorf("session %s has no peer for %s", sid, from)
	}
	return pid, e.conns[pid], nil
}

// RecordOffer advances Created→Offering. Only the first offerer may
// offer; a concurrent offer from the other side is rejected.
func (r *Registry) RecordOffer(sid domain.SessionID, from domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if e.sess.State.Terminal() {
		return domain.ErrSessionClosed
	}
	if e.offerer != "" && e.offerer != from {
		return domain.ErrConflictingOffer
	}
	if e.offerer == "" {
		if !canTransition(e.sess.State, domain.StateOffering) {
			return fmt.Errorf("offer in state %s", e.sess.State)
		}
		e.offerer = from
		e.sess.State = domain.StateOffering
		if e.idleTimer != nil {
			e.idleTimer.Stop()
			e.idleTimer = nil
		}
		log.Info().Str("module", "app.registry").Str("sid", string(sid)).
			Str("pid", string(from)).Msg("offer recorded")
	}
	return nil
}

// RecordAnswer advances Offering→Answering.
func (r *Registry) RecordAnswer(sid domain.SessionID, from domain.ParticipantID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if e.sess.State.Terminal() {
		return domain.ErrSessionClosed
	}
	if from == e.offerer {
		return fmt.Errorf("answer from offerer %s", from)
	}
	// An answer to a re-offer (ICE restart) lands while Connected; the
	// session stays Connected, streaming uninterrupted.
	if e.sess.State == domain.StateConnected {
		return nil
	}
	if !canTransition(e.sess.State, domain.StateAnswering) {
		return fmt.Errorf("answer in state %s", e.sess.State)
	}
	e.sess.State = domain.StateAnswering
	return nil
}

// MarkConnected finishes negotiation once the answer has been relayed.
func (r *Registry) MarkConnected(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || !canTransition(e.sess.State, domain.StateConnected) {
		return
	}
	e.sess.State = domain.StateConnected
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("session connected")
}

// RecordResult folds an analysis result into the session's running
// summary stats.
func (r *Registry) RecordResult(res domain.AnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[res.SessionID]
	if !ok || e.sess.State.Terminal() {
		return
	}
	e.frames++
	e.scoreSum += res.Score
	e.lastScore = res.Score
}

// End moves the session to its terminal state and returns the summary.
// Idempotent: repeated calls return the same summary without error.
// Cleanup hooks run after the terminal mark, so no new work can be
// admitted while per-session resources are being released.
func (r *Registry) End(sid domain.SessionID, reason string) (core.SessionSummary, error) {
	r.mu.Lock()
	e, ok := r.sessions[sid]
	if !ok {
		r.mu.Unlock()
		return core.SessionSummary{}, domain.ErrSessionNotFound
	}
	if e.sess.State.Terminal() {
		sum := *e.summary
		r.mu.Unlock()
		return sum, nil
	}

	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.sess.State = domain.StateEnded
	e.sess.EndedAt = time.Now().UTC()

	avg := 0.0
	if e.frames > 0 {
		avg = e.scoreSum / float64(e.frames)
	}
	sum := core.SessionSummary{
		SessionID:      sid,
		Kind:           e.sess.Kind,
		StartedAt:      e.sess.CreatedAt,
		EndedAt:        e.sess.EndedAt,
		Duration:       e.sess.EndedAt.Sub(e.sess.CreatedAt),
		FramesAnalyzed: e.frames,
		AverageScore:   avg,
		LastScore:      e.lastScore,
		Reason:         reason,
	}
	e.summary = &sum
	e.evictTimer = time.AfterFunc(r.evictAfter, func() { r.evict(sid) })
	r.mu.Unlock()

	r.hookMu.RLock()
	hooks := append([]EndedHook(nil), r.hooks...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(sid, reason)
	}

	log.Info().Str("module", "app.registry").Str("sid", string(sid)).
		Str("reason", reason).Dur("duration", sum.Duration).Int("frames", sum.FramesAnalyzed).
		Msg("session ended")
	return sum, nil
}

func (r *Registry) evict(sid domain.SessionID) {
	r.mu.Lock()
	delete(r.sessions, sid)
	r.mu.Unlock()
	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Msg("session evicted")
}

// Len reports the number of live (not yet evicted) sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
