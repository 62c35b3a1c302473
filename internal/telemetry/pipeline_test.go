package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetra/telemotion/internal/domain"
)

type fakeGate struct {
	mu       sync.Mutex
	eligible map[domain.SessionID]bool
	inactive map[domain.SessionID]bool
}

func (g *fakeGate) StreamingEligible(sid domain.SessionID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.eligible[sid]
}

func (g *fakeGate) SessionActive(sid domain.SessionID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.inactive[sid]
}

func (g *fakeGate) deactivate(sid domain.SessionID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inactive == nil {
		g.inactive = make(map[domain.SessionID]bool)
	}
	g.inactive[sid] = true
}

type stubAnalyzer struct {
	delay time.Duration
	score float64

	mu        sync.Mutex
	calls     int
	cancelled int
}

func (a *stubAnalyzer) Analyze(ctx context.Context, frame domain.PoseFrame) (domain.AnalysisResult, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		a.mu.Lock()
		a.cancelled++
		a.mu.Unlock()
		return domain.AnalysisResult{}, ctx.Err()
	}
	return domain.AnalysisResult{
		SessionID:  frame.SessionID,
		FrameSeq:   frame.Seq,
		Score:      a.score,
		Feedback:   "keep going",
		ComputedAt: time.Now().UTC(),
	}, nil
}

func (a *stubAnalyzer) stats() (calls, cancelled int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls, a.cancelled
}

type failingStore struct{}

func (failingStore) SaveResult(context.Context, domain.AnalysisResult) error {
	return assert.AnError
}

func frame(sid domain.SessionID, seq uint64) domain.PoseFrame {
	return domain.PoseFrame{
		SessionID:  sid,
		Seq:        seq,
		CapturedAt: time.Now().UTC(),
		Keypoints:  []domain.Keypoint{{Part: "Neck", X: 0.5, Y: 0.2, Confidence: 0.9}},
	}
}

func TestSubmitRejectedWhenNotStreaming(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{}}
	p := NewPipeline(&stubAnalyzer{}, gate)

	status, err := p.Submit(frame("s1", 1))
	assert.Equal(t, Rejected, status)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestThrottleWindow(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	an := &stubAnalyzer{delay: 10 * time.Millisecond, score: 85}
	p := NewPipeline(an, gate, WithInterval(500*time.Millisecond))

	// Frame #5 accepted, #6 80ms later throttled, #7 600ms after #5 accepted.
	status, err := p.Submit(frame("s1", 5))
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)

	time.Sleep(80 * time.Millisecond)
	status, err = p.Submit(frame("s1", 6))
	require.NoError(t, err)
	assert.Equal(t, Throttled, status)

	time.Sleep(520 * time.Millisecond)
	status, err = p.Submit(frame("s1", 7))
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)

	calls, _ := an.stats()
	assert.Equal(t, 2, calls)
}

func TestSingleFlight(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	an := &stubAnalyzer{delay: 300 * time.Millisecond}
	p := NewPipeline(an, gate, WithInterval(time.Millisecond))

	status, _ := p.Submit(frame("s1", 1))
	require.Equal(t, Accepted, status)

	// The analyzer is still busy: frames are dropped, not queued.
	time.Sleep(50 * time.Millisecond)
	status, _ = p.Submit(frame("s1", 2))
	assert.Equal(t, Throttled, status)

	calls, _ := an.stats()
	assert.Equal(t, 1, calls)
}

func TestStaleSequenceNumbersDropped(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	p := NewPipeline(&stubAnalyzer{delay: time.Millisecond}, gate, WithInterval(10*time.Millisecond))

	status, _ := p.Submit(frame("s1", 5))
	require.Equal(t, Accepted, status)
	time.Sleep(30 * time.Millisecond)

	status, _ = p.Submit(frame("s1", 5))
	assert.Equal(t, Throttled, status)
	status, _ = p.Submit(frame("s1", 4))
	assert.Equal(t, Throttled, status)

	status, _ = p.Submit(frame("s1", 6))
	assert.Equal(t, Accepted, status)
}

func TestFanOutToSubscribers(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	var recorded []domain.AnalysisResult
	var mu sync.Mutex
	p := NewPipeline(&stubAnalyzer{delay: 5 * time.Millisecond, score: 92}, gate,
		WithInterval(time.Millisecond),
		WithStore(failingStore{}), // persistence failure must not break fan-out
		WithResultHook(func(res domain.AnalysisResult) {
			mu.Lock()
			recorded = append(recorded, res)
			mu.Unlock()
		}),
	)

	ch1, cancel1 := p.Subscribe("s1")
	ch2, cancel2 := p.Subscribe("s1")
	defer cancel1()
	defer cancel2()

	status, _ := p.Submit(frame("s1", 1))
	require.Equal(t, Accepted, status)

	for _, ch := range []<-chan domain.AnalysisResult{ch1, ch2} {
		select {
		case res := <-ch:
			assert.Equal(t, uint64(1), res.FrameSeq)
			assert.InDelta(t, 92.0, res.Score, 0.001)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive result")
		}
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(recorded) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAnalyzerTimeoutDegrades(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	an := &stubAnalyzer{delay: time.Second}
	p := NewPipeline(an, gate, WithInterval(time.Millisecond), WithTimeout(30*time.Millisecond))

	ch, cancel := p.Subscribe("s1")
	defer cancel()

	status, _ := p.Submit(frame("s1", 1))
	require.Equal(t, Accepted, status)

	// No result surfaces; the consumer keeps its previous one.
	select {
	case res := <-ch:
		t.Fatalf("unexpected result after timeout: %+v", res)
	case <-time.After(100 * time.Millisecond):
	}

	// The single-flight slot is released for the next frame.
	assert.Eventually(t, func() bool {
		status, _ := p.Submit(frame("s1", 2))
		return status == Accepted
	}, time.Second, 10*time.Millisecond)

	_, cancelled := an.stats()
	assert.GreaterOrEqual(t, cancelled, 1)
}

func TestEndedSessionLeavesNoPipelineState(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	p := NewPipeline(&stubAnalyzer{delay: time.Millisecond}, gate, WithInterval(time.Millisecond))

	status, _ := p.Submit(frame("s1", 1))
	require.Equal(t, Accepted, status)

	p.OnSessionEnded("s1", "ended")
	gate.deactivate("s1")

	// A submit racing the end must not resurrect the session's entry.
	status, err := p.Submit(frame("s1", 2))
	assert.Equal(t, Rejected, status)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	ch, cancel := p.Subscribe("s1")
	defer cancel()
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed immediately")

	p.mu.Lock()
	entries := len(p.sessions)
	p.mu.Unlock()
	assert.Zero(t, entries)
}

func TestSubscribeUnknownSession(t *testing.T) {
	gate := &fakeGate{}
	gate.deactivate("ghost")
	p := NewPipeline(&stubAnalyzer{}, gate)

	ch, cancel := p.Subscribe("ghost")
	defer cancel()

	_, ok := <-ch
	assert.False(t, ok)

	p.mu.Lock()
	entries := len(p.sessions)
	p.mu.Unlock()
	assert.Zero(t, entries)
}

func TestEndSessionCancelsInflightAndClosesSubscribers(t *testing.T) {
	gate := &fakeGate{eligible: map[domain.SessionID]bool{"s1": true}}
	an := &stubAnalyzer{delay: time.Minute}
	p := NewPipeline(an, gate, WithInterval(time.Millisecond))

	ch, cancel := p.Subscribe("s1")
	defer cancel()

	status, _ := p.Submit(frame("s1", 1))
	require.Equal(t, Accepted, status)

	p.OnSessionEnded("s1", "ended")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "subscriber channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	assert.Eventually(t, func() bool {
		_, cancelled := an.stats()
		return cancelled == 1
	}, time.Second, 10*time.Millisecond)
}
