package app

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/protocol"
)

// parkCapacity bounds frames held for a participant whose socket is
// momentarily absent during a reconnect.
const parkCapacity = 32

// ServerID is the sender identity for relay-originated messages.
const ServerID domain.ParticipantID = "server"

// Relay routes signal messages between the two participants of a session
// and advances the registry's state machine as offers and answers pass
// through. One session's fault never cascades: errors are returned to the
// offending sender and the relay keeps serving everyone else.
type Relay struct {
	reg *Registry
	ice *ICEBuffer

	mu     sync.Mutex
	parked map[domain.SessionID]map[domain.ParticipantID][]core.Frame
}

func NewRelay(reg *Registry, ice *ICEBuffer) *Relay {
	r := &Relay{
		reg:    reg,
		ice:    ice,
		parked: make(map[domain.SessionID]map[domain.ParticipantID][]core.Frame),
	}
	reg.OnEnded(r.onSessionEnded)
	return r
}

// Route processes one decoded signal message from a participant.
// Returned errors are rejections for the sender (SessionClosed,
// ConflictingOffer, ...); the relay itself stays healthy.
func (r *Relay) Route(msg *protocol.SignalMessage) error {
	switch msg.Type {
	case protocol.TypeOffer:
		if err := r.reg.RecordOffer(msg.SessionID, msg.SenderID); err != nil {
			return err
		}
		return r.forward(msg)

	case protocol.TypeAnswer:
		if err := r.reg.RecordAnswer(msg.SessionID, msg.SenderID); err != nil {
			return err
		}
		if err := r.forward(msg); err != nil {
			return err
		}
		r.reg.MarkConnected(msg.SessionID)
		r.flushCandidates(msg.SessionID)
		return nil

	case protocol.TypeICECandidate:
		state, err := r.reg.State(msg.SessionID)
		if err != nil {
			return err
		}
		if state.Terminal() {
			return domain.ErrSessionClosed
		}
		if r.ice.Enqueue(msg.SessionID, msg.SenderID, *msg.Candidate) {
			return nil
		}
		return r.forward(msg)

	case protocol.TypeEndSession:
		reason := "ended by participant"
		if msg.End != nil && msg.End.Reason != "" {
			reason = msg.End.Reason
		}
		_, err := r.reg.End(msg.SessionID, reason)
		return err

	case protocol.TypeError:
		return r.forward(msg)

	default:
		// start-session is consumed by the transport adapter at attach time.
		return fmt.Errorf("%w: unroutable type %q", domain.ErrMalformedMessage, msg.Type)
	}
}

// EndSession ends a session on behalf of a lifecycle API call.
func (r *Relay) EndSession(sid domain.SessionID, reason string) (core.SessionSummary, error) {
	return r.reg.End(sid, reason)
}

// forward encodes and delivers a message to the sender's peer. A peer
// without a bound socket gets the frame parked until it reattaches.
func (r *Relay) forward(msg *protocol.SignalMessage) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	pid, conn, err := r.reg.Peer(msg.SessionID, msg.SenderID)
	if err != nil {
		return err
	}
	if conn == nil {
		r.park(msg.SessionID, pid, frame)
		return nil
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Str("module", "app.relay").Str("sid", string(msg.SessionID)).
			Str("to", string(pid)).Err(err).Msg("drop frame for slow peer")
	}
	return nil
}

func (r *Relay) flushCandidates(sid domain.SessionID) {
	for _, bc := range r.ice.Flush(sid) {
		msg := &protocol.SignalMessage{
			Type:      protocol.TypeICECandidate,
			SessionID: sid,
			SenderID:  bc.From,
			Candidate: &bc.Candidate,
		}
		if err := r.forward(msg); err != nil {
			log.Warn().Str("module", "app.relay").Str("sid", string(sid)).
				Err(err).Msg("flush candidate")
		}
	}
}

func (r *Relay) park(sid domain.SessionID, pid domain.ParticipantID, frame core.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPid, ok := r.parked[sid]
	if !ok {
		byPid = make(map[domain.ParticipantID][]core.Frame)
		r.parked[sid] = byPid
	}
	q := byPid[pid]
	if len(q) >= parkCapacity {
		q = q[1:]
	}
	byPid[pid] = append(q, frame)
}

// DeliverParked sends frames parked for a participant while their socket
// was absent. The transport adapter calls this right after Attach.
func (r *Relay) DeliverParked(sid domain.SessionID, pid domain.ParticipantID) {
	r.mu.Lock()
	var frames []core.Frame
	if byPid, ok := r.parked[sid]; ok {
		frames = byPid[pid]
		delete(byPid, pid)
	}
	r.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	conn, ok := r.reg.Conn(sid, pid)
	if !ok {
		return
	}
	for _, f := range frames {
		if err := conn.TrySend(f); err != nil {
			log.Warn().Str("module", "app.relay").Str("sid", string(sid)).
				Str("to", string(pid)).Err(err).Msg("drop parked frame")
			return
		}
	}
	log.Debug().Str("module", "app.relay").Str("sid", string(sid)).
		Str("to", string(pid)).Int("frames", len(frames)).Msg("delivered parked frames")
}

// onSessionEnded notifies still-attached participants and frees the
// session's relay resources.
func (r *Relay) onSessionEnded(sid domain.SessionID, reason string) {
	frame, err := protocol.Encode(&protocol.SignalMessage{
		Type:      protocol.TypeEndSession,
		SessionID: sid,
		SenderID:  ServerID,
		End:       &protocol.EndPayload{Reason: reason},
	})
	if err == nil {
		for _, conn := range r.reg.Conns(sid) {
			_ = conn.TrySend(frame)
		}
	}

	r.ice.Drop(sid)
	r.mu.Lock()
	delete(r.parked, sid)
	r.mu.Unlock()
}
