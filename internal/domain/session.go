// Package domain contains entity types without behavior, just meta-data
// and the error taxonomy shared across the service.
package domain

import (
	"time"

	"github.com/google/uuid"
)

type (
	SessionID     string
	ParticipantID string
	SessionKind   string
)

const (
	KindPeerCall SessionKind = "peer-call"
	KindAICall   SessionKind = "ai-call"
)

// MaxParticipants is a hard cap: a session is a call between exactly two
// endpoints (patient/therapist, or patient/AI peer).
const MaxParticipants = 2

// SessionState is the lifecycle position of a session. Transitions are
// enforced by the registry, never mutated directly by adapters.
type SessionState int

const (
	StateCreated SessionState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateReconnecting
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state accepts no further transitions.
func (s SessionState) Terminal() bool { return s == StateEnded }

// Session is the authoritative record of one live call. Owned exclusively
// by the registry; everything outside gets copies.
type Session struct {
	ID           SessionID
	Kind         SessionKind
	Participants []ParticipantID
	State        SessionState
	CreatedAt    time.Time
	EndedAt      time.Time
	Metadata     map[string]string
}

func NewSession(kind SessionKind, participants []ParticipantID, metadata map[string]string) *Session {
	return &Session{
		ID:           SessionID(uuid.NewString()),
		Kind:         kind,
		Participants: participants,
		State:        StateCreated,
		CreatedAt:    time.Now().UTC(),
		Metadata:     metadata,
	}
}

// Has reports membership without exposing the participant slice for mutation.
func (s *Session) Has(pid ParticipantID) bool {
	for _, p := range s.Participants {
		if p == pid {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a two-party session.
func (s *Session) Peer(pid ParticipantID) (ParticipantID, bool) {
	for _, p := range s.Participants {
		if p != pid {
			return p, true
		}
	}
	return "", false
}
