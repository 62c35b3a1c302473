// Package telemetry ingests pose frames, throttles them, and fans analysis
// results out to subscribers. Telemetry is advisory: on analyzer timeout or
// failure consumers keep the previous result, they never see a hard error.
package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultTimeout  = 5 * time.Second

	subscriberBuffer = 8
)

// SubmitStatus is the immediate verdict on a submitted frame.
type SubmitStatus int

const (
	// Accepted: the frame was handed to the analysis collaborator.
	Accepted SubmitStatus = iota
	// Throttled: a request is in flight, the minimum interval has not
	// elapsed, or the sequence number is stale. Keep the previous result.
	Throttled
	// Rejected: the session is not in a streaming-eligible state.
	Rejected
)

func (s SubmitStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Throttled:
		return "throttled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Gate answers whether a session may stream and whether it exists at
// all. Satisfied by app.Registry.
type Gate interface {
	StreamingEligible(domain.SessionID) bool
	SessionActive(domain.SessionID) bool
}

type sessionStream struct {
	mu           sync.Mutex
	inflight     bool
	cancel       context.CancelFunc
	lastAccepted time.Time
	lastSeq      uint64
	closed       bool

	nextSub int
	subs    map[int]chan domain.AnalysisResult
}

// Pipeline enforces single-flight per session: at most one outstanding
// analysis request at any time, latest-intent semantics for everything
// else (a frame arriving while busy is dropped, not queued).
type Pipeline struct {
	analyzer core.Analyzer
	store    core.ResultStore
	gate     Gate
	onResult func(domain.AnalysisResult)

	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	sessions map[domain.SessionID]*sessionStream
}

type Option func(*Pipeline)

func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithStore sets the best-effort persistence collaborator.
func WithStore(store core.ResultStore) Option {
	return func(p *Pipeline) { p.store = store }
}

// WithResultHook observes every fanned-out result (summary stats).
func WithResultHook(fn func(domain.AnalysisResult)) Option {
	return func(p *Pipeline) { p.onResult = fn }
}

func NewPipeline(analyzer core.Analyzer, gate Gate, opts ...Option) *Pipeline {
	p := &Pipeline{
		analyzer: analyzer,
		gate:     gate,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		sessions: make(map[domain.SessionID]*sessionStream),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit returns immediately with the frame's verdict. Accepted frames are
// analyzed on a separate goroutine; results reach subscribers later.
func (p *Pipeline) Submit(frame domain.PoseFrame) (SubmitStatus, error) {
	if !p.gate.StreamingEligible(frame.SessionID) {
		return Rejected, domain.ErrSessionClosed
	}
	s := p.stream(frame.SessionID)
	if s == nil {
		// Session ended between the gate check and here.
		return Rejected, domain.ErrSessionClosed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Rejected, domain.ErrSessionClosed
	}
	if s.lastSeq > 0 && frame.Seq <= s.lastSeq {
		s.mu.Unlock()
		return Throttled, nil
	}
	if s.inflight {
		s.mu.Unlock()
		return Throttled, nil
	}
	if !s.lastAccepted.IsZero() && time.Since(s.lastAccepted) < p.interval {
		s.mu.Unlock()
		return Throttled, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	s.inflight = true
	s.cancel = cancel
	s.lastAccepted = time.Now()
	s.lastSeq = frame.Seq
	s.mu.Unlock()

	go p.analyze(ctx, cancel, s, frame)
	return Accepted, nil
}

// Subscribe returns a channel of results for a session and a cancel
// function. Slow subscribers lose results rather than stall the fan-out.
func (p *Pipeline) Subscribe(sid domain.SessionID) (<-chan domain.AnalysisResult, func()) {
	s := p.stream(sid)
	if s == nil {
		// Unknown or ended session: a closed channel, no state retained.
		ch := make(chan domain.AnalysisResult)
		close(ch)
		return ch, func() {}
	}
	ch := make(chan domain.AnalysisResult, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// OnSessionEnded cancels any in-flight analysis, releases the session's
// single-flight slot, and closes its subscriber channels. Registered as a
// registry EndedHook.
func (p *Pipeline) OnSessionEnded(sid domain.SessionID, _ string) {
	p.mu.Lock()
	s, ok := p.sessions[sid]
	delete(p.sessions, sid)
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}

// stream returns the session's entry, creating it only for sessions the
// gate still considers alive. OnSessionEnded deletes entries; recreating
// one for a dead id would leak it forever.
func (p *Pipeline) stream(sid domain.SessionID) *sessionStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sid]
	if !ok {
		if !p.gate.SessionActive(sid) {
			return nil
		}
		s = &sessionStream{subs: make(map[int]chan domain.AnalysisResult)}
		p.sessions[sid] = s
	}
	return s
}

func (p *Pipeline) analyze(ctx context.Context, cancel context.CancelFunc, s *sessionStream, frame domain.PoseFrame) {
	defer cancel()
	res, err := p.analyzer.Analyze(ctx, frame)

	s.mu.Lock()
	s.inflight = false
	s.cancel = nil
	closed := s.closed
	superseded := res.FrameSeq < s.lastSeq
	var subs []chan domain.AnalysisResult
	if err == nil && !closed && !superseded {
		subs = make([]chan domain.AnalysisResult, 0, len(s.subs))
		for _, ch := range s.subs {
			subs = append(subs, ch)
		}
	}
	s.mu.Unlock()

	if err != nil {
		// Degrade, don't fail: consumers keep the previous result.
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrAnalysisTimeout
		}
		log.Warn().Str("module", "telemetry").Str("sid", string(frame.SessionID)).
			Uint64("seq", frame.Seq).Err(err).Msg("analysis degraded")
		return
	}
	if closed || superseded {
		return
	}

	for _, ch := range subs {
		select {
		case ch <- res:
		default:
			log.Debug().Str("module", "telemetry").Str("sid", string(frame.SessionID)).
				Msg("slow subscriber, result dropped")
		}
	}
	if p.onResult != nil {
		p.onResult(res)
	}
	if p.store != nil {
		saveCtx, saveCancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.store.SaveResult(saveCtx, res); err != nil {
			log.Warn().Str("module", "telemetry").Str("sid", string(frame.SessionID)).
				Err(err).Msg("persist result")
		}
		saveCancel()
	}
}
