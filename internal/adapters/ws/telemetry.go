package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/telemetry"
)

// frameIn is the client's wire shape for one pose frame; the session id
// comes from the URL.
type frameIn struct {
	Seq        uint64            `json:"seq"`
	CapturedAt time.Time         `json:"captured_at"`
	Keypoints  []domain.Keypoint `json:"keypoints"`
}

type frameAck struct {
	Type   string `json:"type"`
	Seq    uint64 `json:"seq"`
	Status string `json:"status"`
}

type resultOut struct {
	Type string                `json:"type"`
	Data domain.AnalysisResult `json:"data"`
}

// HandleTelemetry streams pose frames in and analysis results out on one
// socket. A Throttled verdict is surfaced explicitly so the UI shows
// "processing previous frame" instead of silently presenting stale data.
func (ctl *Controller) HandleTelemetry(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	state, err := ctl.Registry.State(sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if state.Terminal() {
		c.JSON(http.StatusGone, gin.H{"error": domain.ErrSessionClosed.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("telemetry upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		conn.SetReadLimit(ctl.ReadLimit)
	}

	wc := newWSConn(conn)
	go wc.writePump(ctl.pingPeriod())

	results, cancel := ctl.Pipeline.Subscribe(sid)
	go func() {
		for res := range results {
			b, err := json.Marshal(resultOut{Type: "analysis-result", Data: res})
			if err != nil {
				continue
			}
			if err := wc.TrySend(b); err != nil {
				log.Debug().Str("module", "ws").Str("sid", string(sid)).Msg("telemetry subscriber lagging")
			}
		}
	}()

	go func() {
		defer func() {
			cancel()
			wc.Close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			default:
				_, data, err := wc.conn.ReadMessage()
				if err != nil {
					return
				}
				ctl.handleTelemetryFrame(sid, wc, data)
			}
		}
	}()
}

func (ctl *Controller) handleTelemetryFrame(sid domain.SessionID, c *wsConn, data []byte) {
	var in frameIn
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("sid", string(sid)).Msg("drop malformed frame")
		return
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = time.Now().UTC()
	}

	status, _ := ctl.Pipeline.Submit(domain.PoseFrame{
		SessionID:  sid,
		Seq:        in.Seq,
		CapturedAt: in.CapturedAt,
		Keypoints:  in.Keypoints,
	})

	ack := frameAck{Type: "frame-ack", Seq: in.Seq, Status: status.String()}
	if status == telemetry.Throttled {
		ack.Status = "processing-previous"
	}
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	_ = c.TrySend(b)
}
