package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/protocol"
)

// ParticipantID is the identity the AI peer joins sessions under.
const ParticipantID domain.ParticipantID = "ai-therapist"

// Router is the slice of the relay the AI peer needs to inject its own
// answers and candidates back into the session.
type Router interface {
	Route(msg *protocol.SignalMessage) error
}

// AIPeer is the server-side second participant of an ai-call session. It
// implements core.SignalConnection, so the relay routes to it exactly
// like to a remote socket: frames arriving via TrySend drive the local
// pion peer connection.
type AIPeer struct {
	sid    domain.SessionID
	conn   *WebRTCConnection
	router Router
}

func NewAIPeer(cfg webrtc.Configuration, sid domain.SessionID, router Router) (*AIPeer, error) {
	wc, err := NewWebRTCConnection(cfg, sid)
	if err != nil {
		return nil, err
	}
	p := &AIPeer{sid: sid, conn: wc, router: router}

	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		err := router.Route(&protocol.SignalMessage{
			Type:      protocol.TypeICECandidate,
			SessionID: sid,
			SenderID:  ParticipantID,
			Candidate: &ci,
		})
		if err != nil {
			log.Warn().Str("module", "rtc.aipeer").Str("sid", string(sid)).Err(err).Msg("route candidate")
		}
	})

	if err := wc.Start(context.Background()); err != nil {
		wc.Close()
		return nil, err
	}
	return p, nil
}

// TrySend receives relayed frames addressed to the AI participant.
func (p *AIPeer) TrySend(f core.Frame) error {
	msg, err := protocol.Decode(f)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeOffer:
		answer, err := p.conn.ApplyOfferAndCreateAnswer(*msg.SDP)
		if err != nil {
			log.Error().Str("module", "rtc.aipeer").Str("sid", string(p.sid)).Err(err).Msg("apply offer")
			return err
		}
		return p.router.Route(&protocol.SignalMessage{
			Type:      protocol.TypeAnswer,
			SessionID: p.sid,
			SenderID:  ParticipantID,
			SDP:       answer,
		})

	case protocol.TypeICECandidate:
		return p.conn.AddICECandidate(*msg.Candidate)

	case protocol.TypeEndSession:
		p.conn.Close()
		return nil

	default:
		log.Debug().Str("module", "rtc.aipeer").Str("sid", string(p.sid)).
			Str("type", string(msg.Type)).Msg("ignored message")
		return nil
	}
}

func (p *AIPeer) Close() {
	p.conn.Close()
}
