// Package protocol defines the signaling wire format: a JSON envelope with
// a type-discriminated payload, validated at the codec boundary so nothing
// malformed reaches the session registry.
package protocol

import (
	"github.com/pion/webrtc/v4"

	"github.com/kinetra/telemotion/internal/domain"
)

type MessageType string

const (
	TypeStartSession MessageType = "start-session"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeEndSession   MessageType = "end-session"
	TypeError        MessageType = "error"
)

// SignalMessage is the decoded form of one wire message. Exactly one of
// the payload fields is set, matching Type.
type SignalMessage struct {
	Type      MessageType
	SessionID domain.SessionID
	SenderID  domain.ParticipantID

	Start     *StartPayload
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
	End       *EndPayload
	Error     *ErrorPayload
}

// StartPayload attaches a participant to an existing session. A start
// for a session in Reconnecting is a resumption handshake.
type StartPayload struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
