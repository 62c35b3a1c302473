package app

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kinetra/telemotion/internal/domain"
)

// DefaultICEBufferCapacity bounds the per-session candidate queue. ICE
// candidates are advisory and redundant, so overflow drops the oldest.
const DefaultICEBufferCapacity = 64

// BufferedCandidate keeps the sender so a flushed candidate can still be
// routed to the right peer.
type BufferedCandidate struct {
	From      domain.ParticipantID
	Candidate webrtc.ICECandidateInit
}

// ICEBuffer holds candidates that arrive before the remote description is
// applied on both sides. Once flushed, a session's buffer is discarded and
// later candidates are forwarded immediately.
type ICEBuffer struct {
	mu       sync.Mutex
	capacity int
	queues   map[domain.SessionID][]BufferedCandidate
	flushed  map[domain.SessionID]bool
}

func NewICEBuffer(capacity int) *ICEBuffer {
	if capacity <= 0 {
		capacity = DefaultICEBufferCapacity
	}
	return &ICEBuffer{
		capacity: capacity,
		queues:   make(map[domain.SessionID][]BufferedCandidate),
		flushed:  make(map[domain.SessionID]bool),
	}
}

// Enqueue buffers a candidate and reports true, or reports false when the
// session was already flushed and the caller should forward directly.
func (b *ICEBuffer) Enqueue(sid domain.SessionID, from domain.ParticipantID, cand webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed[sid] {
		return false
	}
	q := b.queues[sid]
	if len(q) >= b.capacity {
		q = q[1:]
	}
	b.queues[sid] = append(q, BufferedCandidate{From: from, Candidate: cand})
	return true
}

// Flush drains the session's queue in FIFO order exactly once. Further
// Enqueue calls for the session report false.
func (b *ICEBuffer) Flush(sid domain.SessionID) []BufferedCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[sid]
	delete(b.queues, sid)
	b.flushed[sid] = true
	return q
}

// Drop frees all state for a session. Called when the session ends.
func (b *ICEBuffer) Drop(sid domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, sid)
	delete(b.flushed, sid)
}

// Pending returns the current queue length, for observability.
func (b *ICEBuffer) Pending(sid domain.SessionID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[sid])
}
