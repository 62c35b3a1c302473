package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/kinetra/telemotion/internal/domain"
)

// envelope is the wire shape: payload stays raw until Type is known.
type envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a SignalMessage into its JSON wire form.
func Encode(msg *SignalMessage) ([]byte, error) {
	env := envelope{
		Type:      msg.Type,
		SessionID: string(msg.SessionID),
		SenderID:  string(msg.SenderID),
	}

	var payload any
	switch msg.Type {
	case TypeStartSession:
		payload = msg.Start
	case TypeOffer, TypeAnswer:
		payload = msg.SDP
	case TypeICECandidate:
		payload = msg.Candidate
	case TypeEndSession:
		payload = msg.End
	case TypeError:
		payload = msg.Error
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, msg.Type)
	}

	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = b
	}
	return json.Marshal(env)
}

// Decode parses and validates one wire message. Any shape violation is
// reported as domain.ErrMalformedMessage; the caller drops the message.
func Decode(data []byte) (*SignalMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if env.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", domain.ErrMalformedMessage)
	}
	if env.SenderID == "" {
		return nil, fmt.Errorf("%w: missing senderId", domain.ErrMalformedMessage)
	}

	msg := &SignalMessage{
		Type:      env.Type,
		SessionID: domain.SessionID(env.SessionID),
		SenderID:  domain.ParticipantID(env.SenderID),
	}

	switch env.Type {
	case TypeStartSession:
		msg.Start = &StartPayload{}
		if len(env.Payload) > 0 {
			if err := strictUnmarshal(env.Payload, msg.Start); err != nil {
				return nil, err
			}
		}

	case TypeOffer, TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := strictUnmarshal(env.Payload, &sdp); err != nil {
			return nil, err
		}
		if sdp.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", domain.ErrMalformedMessage, env.Type)
		}
		want := webrtc.SDPTypeOffer
		if env.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if sdp.Type != want {
			return nil, fmt.Errorf("%w: %s message carries %s description",
				domain.ErrMalformedMessage, env.Type, sdp.Type)
		}
		msg.SDP = &sdp

	case TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := strictUnmarshal(env.Payload, &cand); err != nil {
			return nil, err
		}
		if cand.Candidate == "" {
			return nil, fmt.Errorf("%w: empty candidate", domain.ErrMalformedMessage)
		}
		msg.Candidate = &cand

	case TypeEndSession:
		msg.End = &EndPayload{}
		if len(env.Payload) > 0 {
			if err := strictUnmarshal(env.Payload, msg.End); err != nil {
				return nil, err
			}
		}

	case TypeError:
		var p ErrorPayload
		if err := strictUnmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
		msg.Error = &p

	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, env.Type)
	}

	return msg, nil
}

func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return nil
}
