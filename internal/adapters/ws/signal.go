package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/app"
	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/protocol"
	"github.com/kinetra/telemotion/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	Relay    *app.Relay
	Registry *app.Registry
	Pipeline *telemetry.Pipeline

	ReadLimit  int64
	PingPeriod time.Duration
}

// HandleSignal attaches a participant's signaling socket to a session.
// Identity comes from the URL: /ws/signal/:id?participant=pid. Attaching
// to a Reconnecting session is the resumption handshake.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	pid := domain.ParticipantID(c.Query("participant"))
	if pid == "" {
		pid = domain.ParticipantID(c.GetString("client_token"))
	}
	log.Info().Str("module", "ws").Str("sid", string(sid)).Str("pid", string(pid)).Msg("new signaling socket")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		conn.SetReadLimit(ctl.ReadLimit)
	}

	wc := newWSConn(conn)
	go wc.writePump(ctl.pingPeriod())

	if err := ctl.Registry.Attach(sid, pid, wc); err != nil {
		ctl.sendError(wc, sid, err)
		wc.Close()
		return
	}

	// Matches the dashboard's expectation: an explicit ack before any
	// relayed traffic.
	ctl.sendAck(wc, sid, pid)
	ctl.Relay.DeliverParked(sid, pid)

	go ctl.readPump(ctx, sid, pid, wc)
}

func (ctl *Controller) readPump(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "ws").Str("sid", string(sid)).Str("pid", string(pid)).Msg("readPump closing")
		ctl.Registry.Detach(sid, pid, c)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "ws").Str("sid", string(sid)).Msg("socket read ended")
				return
			}
			ctl.handleFrame(sid, pid, c, data)
		}
	}
}

// handleFrame decodes and routes one wire message. Codec or routing
// rejections go back to the sender; the socket stays up.
func (ctl *Controller) handleFrame(sid domain.SessionID, pid domain.ParticipantID, c *wsConn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("sid", string(sid)).Msg("drop malformed message")
		ctl.sendError(c, sid, err)
		return
	}
	if msg.SessionID != sid {
		ctl.sendError(c, sid, domain.ErrMalformedMessage)
		return
	}

	if msg.Type == protocol.TypeStartSession {
		// Fresh handshake on a live socket: re-run attach for resumption.
		if err := ctl.Registry.Attach(sid, pid, c); err != nil {
			ctl.sendError(c, sid, err)
			return
		}
		ctl.sendAck(c, sid, pid)
		ctl.Relay.DeliverParked(sid, pid)
		return
	}

	if err := ctl.Relay.Route(msg); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("sid", string(sid)).
			Str("type", string(msg.Type)).Msg("route rejected")
		ctl.sendError(c, sid, err)
	}
}

// sendAck confirms the attach before any relayed traffic, carrying the
// state so a resuming client can tell resumption from first connect.
func (ctl *Controller) sendAck(c *wsConn, sid domain.SessionID, pid domain.ParticipantID) {
	state, err := ctl.Registry.State(sid)
	if err != nil {
		return
	}
	b, err := json.Marshal(gin.H{
		"type":      "connection_established",
		"sessionId": sid,
		"peerId":    pid,
		"state":     state.String(),
	})
	if err != nil {
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c *wsConn, sid domain.SessionID, cause error) {
	frame, err := protocol.Encode(&protocol.SignalMessage{
		Type:      protocol.TypeError,
		SessionID: sid,
		SenderID:  app.ServerID,
		Error:     &protocol.ErrorPayload{Code: errCode(cause), Message: cause.Error()},
	})
	if err != nil {
		return
	}
	_ = c.TrySend(frame)
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionFull):
		return "session-full"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session-closed"
	case errors.Is(err, domain.ErrConflictingOffer):
		return "conflicting-offer"
	case errors.Is(err, domain.ErrSessionNotFound):
		return "session-not-found"
	case errors.Is(err, domain.ErrMalformedMessage):
		return "malformed-message"
	default:
		return "internal"
	}
}

func (ctl *Controller) pingPeriod() time.Duration {
	if ctl.PingPeriod > 0 {
		return ctl.PingPeriod
	}
	return 54 * time.Second
}
