package core

import (
	"context"
	"time"

	"github.com/kinetra/telemotion/internal/domain"
)

// Frame is a raw encoded wire payload (one JSON signal message).
type Frame []byte

// SignalConnection abstracts a participant's signaling transport endpoint.
// Owned by the adapter that created it; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues without blocking; returns an error when the peer's
	// send buffer is full or the connection is gone.
	TrySend(Frame) error
	Close()
}

// Analyzer is the external movement-analysis collaborator. It may be
// remote, slow, or failing; callers bound it with a context deadline.
// Safe for concurrent calls across sessions, at most one call per
// session at a time.
type Analyzer interface {
	Analyze(ctx context.Context, frame domain.PoseFrame) (domain.AnalysisResult, error)
}

// ResultStore is the optional persistence collaborator for analysis
// results. Best-effort: a failing store never fails the pipeline.
type ResultStore interface {
	SaveResult(ctx context.Context, res domain.AnalysisResult) error
}

// SessionSummary is the read-only view returned when a session ends.
type SessionSummary struct {
	SessionID      domain.SessionID   `json:"session_id"`
	Kind           domain.SessionKind `json:"kind"`
	StartedAt      time.Time          `json:"started_at"`
	EndedAt        time.Time          `json:"ended_at"`
	Duration       time.Duration      `json:"duration"`
	FramesAnalyzed int                `json:"frames_analyzed"`
	AverageScore   float64            `json:"average_score"`
	LastScore      float64            `json:"last_score"`
	Reason         string             `json:"reason,omitempty"`
}

// SessionDTO is a read-only snapshot for APIs (no transport fields).
type SessionDTO struct {
	ID           domain.SessionID       `json:"id"`
	Kind         domain.SessionKind     `json:"kind"`
	State        string                 `json:"state"`
	Participants []domain.ParticipantID `json:"participants"`
	CreatedAt    time.Time              `json:"created_at"`
}
