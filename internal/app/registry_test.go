package app

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeConn) TrySend(frame core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) received() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Frame(nil), f.frames...)
}

func newTestRegistry() *Registry {
	return NewRegistry(DefaultGraceWindow, DefaultEvictAfter)
}

func connectedSession(t *testing.T, r *Registry) (*domain.Session, *fakeConn, *fakeConn) {
	t.Helper()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)
	a, b := &fakeConn{}, &fakeConn{}
	require.NoError(t, r.Attach(sess.ID, "alice", a))
	require.NoError(t, r.Attach(sess.ID, "bob", b))
	require.NoError(t, r.RecordOffer(sess.ID, "alice"))
	require.NoError(t, r.RecordAnswer(sess.ID, "bob"))
	r.MarkConnected(sess.ID)
	return sess, a, b
}

func TestCreateRejectsThreeParticipants(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"a", "b", "c"}, nil)
	assert.ErrorIs(t, err, domain.ErrSessionFull)
}

func TestAttachThirdParticipantRejected(t *testing.T) {
	r := newTestRegistry()
	sess, _, _ := connectedSession(t, r)

	err := r.Attach(sess.ID, "mallory", &fakeConn{})
	assert.ErrorIs(t, err, domain.ErrSessionFull)

	dto, err := r.Snapshot(sess.ID)
	require.NoError(t, err)
	assert.Len(t, dto.Participants, 2)
}

func TestConflictingOffer(t *testing.T) {
	r := newTestRegistry()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)

	require.NoError(t, r.RecordOffer(sess.ID, "alice"))
	assert.ErrorIs(t, r.RecordOffer(sess.ID, "bob"), domain.ErrConflictingOffer)
	// The offerer may re-offer (ICE restart) without conflict.
	assert.NoError(t, r.RecordOffer(sess.ID, "alice"))
}

func TestNegotiationAdvancesState(t *testing.T) {
	r := newTestRegistry()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)

	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateCreated, state)

	require.NoError(t, r.RecordOffer(sess.ID, "alice"))
	state, _ = r.State(sess.ID)
	assert.Equal(t, domain.StateOffering, state)

	require.NoError(t, r.RecordAnswer(sess.ID, "bob"))
	r.MarkConnected(sess.ID)
	state, _ = r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)
	assert.True(t, r.StreamingEligible(sess.ID))
}

func TestAnswerFromOffererRejected(t *testing.T) {
	r := newTestRegistry()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordOffer(sess.ID, "alice"))
	assert.Error(t, r.RecordAnswer(sess.ID, "alice"))
}

func TestEndIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	sess, _, _ := connectedSession(t, r)

	first, err := r.End(sess.ID, "user hung up")
	require.NoError(t, err)
	assert.Equal(t, "user hung up", first.Reason)

	second, err := r.End(sess.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateEnded, state)
}

func TestEndedSessionRejectsSignals(t *testing.T) {
	r := newTestRegistry()
	sess, _, _ := connectedSession(t, r)
	_, err := r.End(sess.ID, "done")
	require.NoError(t, err)

	assert.ErrorIs(t, r.RecordOffer(sess.ID, "alice"), domain.ErrSessionClosed)
	assert.ErrorIs(t, r.Attach(sess.ID, "alice", &fakeConn{}), domain.ErrSessionClosed)
	_, _, err = r.Peer(sess.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.False(t, r.StreamingEligible(sess.ID))
}

func TestCreatedSessionCanBeAbandoned(t *testing.T) {
	r := newTestRegistry()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice"}, nil)
	require.NoError(t, err)

	sum, err := r.End(sess.ID, "abandoned")
	require.NoError(t, err)
	assert.Zero(t, sum.FramesAnalyzed)
}

func TestDisconnectOpensGraceThenExpires(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, DefaultEvictAfter)
	sess, a, _ := connectedSession(t, r)

	r.Detach(sess.ID, "alice", a)
	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateReconnecting, state)

	assert.Eventually(t, func() bool {
		state, _ := r.State(sess.ID)
		return state == domain.StateEnded
	}, time.Second, 10*time.Millisecond)
}

func TestResumeWithinGraceWindow(t *testing.T) {
	r := NewRegistry(time.Second, DefaultEvictAfter)
	sess, a, _ := connectedSession(t, r)

	r.Detach(sess.ID, "alice", a)
	state, _ := r.State(sess.ID)
	require.Equal(t, domain.StateReconnecting, state)

	require.NoError(t, r.Attach(sess.ID, "alice", &fakeConn{}))
	state, _ = r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)

	dto, err := r.Snapshot(sess.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.ParticipantID{"alice", "bob"}, dto.Participants)

	// The cancelled grace timer must not end the session later.
	time.Sleep(1200 * time.Millisecond)
	state, _ = r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)
}

func TestDetachBeforeConnectedDoesNotOpenGrace(t *testing.T) {
	r := newTestRegistry()
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)
	a := &fakeConn{}
	require.NoError(t, r.Attach(sess.ID, "alice", a))

	r.Detach(sess.ID, "alice", a)
	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateCreated, state)
}

func TestStaleDetachDoesNotUnbindReplacementConn(t *testing.T) {
	r := NewRegistry(100*time.Millisecond, DefaultEvictAfter)
	sess, a, _ := connectedSession(t, r)

	// The client redials before the old pump notices the drop.
	a2 := &fakeConn{}
	require.NoError(t, r.Attach(sess.ID, "alice", a2))

	// The stale pump's detach must not touch the replacement.
	r.Detach(sess.ID, "alice", a)
	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)

	conn, ok := r.Conn(sess.ID, "alice")
	require.True(t, ok)
	assert.Same(t, a2, conn)

	// No grace timer was armed, so the session survives the window.
	time.Sleep(250 * time.Millisecond)
	state, _ = r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)
}

func TestRenegotiationWhileConnected(t *testing.T) {
	r := newTestRegistry()
	sess, _, _ := connectedSession(t, r)

	// ICE restart: the original offerer re-offers and the peer answers.
	require.NoError(t, r.RecordOffer(sess.ID, "alice"))
	require.NoError(t, r.RecordAnswer(sess.ID, "bob"))

	state, _ := r.State(sess.ID)
	assert.Equal(t, domain.StateConnected, state)
	assert.True(t, r.StreamingEligible(sess.ID))
}

func TestNeverNegotiatedSessionExpires(t *testing.T) {
	r := NewRegistry(DefaultGraceWindow, 50*time.Millisecond)
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)

	// Ended by the idle timer, then evicted.
	assert.Eventually(t, func() bool {
		state, err := r.State(sess.ID)
		return err != nil || state == domain.StateEnded
	}, time.Second, 10*time.Millisecond)
}

func TestOfferDisarmsIdleTimer(t *testing.T) {
	r := NewRegistry(DefaultGraceWindow, 50*time.Millisecond)
	sess, err := r.Create(domain.KindPeerCall, []domain.ParticipantID{"alice", "bob"}, nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordOffer(sess.ID, "alice"))

	time.Sleep(150 * time.Millisecond)
	state, err := r.State(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOffering, state)
}

func TestSummaryAggregatesResults(t *testing.T) {
	r := newTestRegistry()
	sess, _, _ := connectedSession(t, r)

	r.RecordResult(domain.AnalysisResult{SessionID: sess.ID, FrameSeq: 1, Score: 80})
	r.RecordResult(domain.AnalysisResult{SessionID: sess.ID, FrameSeq: 2, Score: 90})

	sum, err := r.End(sess.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.FramesAnalyzed)
	assert.InDelta(t, 85.0, sum.AverageScore, 0.001)
	assert.InDelta(t, 90.0, sum.LastScore, 0.001)
	assert.GreaterOrEqual(t, sum.Duration, time.Duration(0))
}

func TestEndedHookRuns(t *testing.T) {
	r := newTestRegistry()
	var mu sync.Mutex
	var got []string
	r.OnEnded(func(sid domain.SessionID, reason string) {
		mu.Lock()
		got = append(got, reason)
		mu.Unlock()
	})

	sess, _, _ := connectedSession(t, r)
	_, err := r.End(sess.ID, "first")
	require.NoError(t, err)
	_, err = r.End(sess.ID, "second")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, got)
}
