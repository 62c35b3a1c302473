package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/adapters/rtc"
	"github.com/kinetra/telemotion/internal/app"
	"github.com/kinetra/telemotion/internal/config"
	"github.com/kinetra/telemotion/internal/domain"
)

type SessionController struct {
	Registry   *app.Registry
	Relay      *app.Relay
	ICEServers []config.ICEServer
}

type createSessionRequest struct {
	Participants []string          `json:"participants" binding:"required,min=1,max=2"`
	Kind         string            `json:"kind"`
	Metadata     map[string]string `json:"metadata"`
}

type createSessionResponse struct {
	SessionID domain.SessionID `json:"session_id"`
	Kind      domain.SessionKind `json:"kind"`
}

// Create starts a session. For ai-call the service itself joins as the
// second participant through a server-side peer connection.
func (ctl *SessionController) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid participants"})
		return
	}

	kind := domain.SessionKind(req.Kind)
	if kind == "" {
		kind = domain.KindPeerCall
	}
	if kind != domain.KindPeerCall && kind != domain.KindAICall {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session kind"})
		return
	}
	if kind == domain.KindAICall && len(req.Participants) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ai-call takes exactly one participant"})
		return
	}

	participants := make([]domain.ParticipantID, 0, len(req.Participants))
	for _, p := range req.Participants {
		if p == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty participant id"})
			return
		}
		participants = append(participants, domain.ParticipantID(p))
	}

	sess, err := ctl.Registry.Create(kind, participants, req.Metadata)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrSessionFull) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if kind == domain.KindAICall {
		peer, err := rtc.NewAIPeer(rtc.BuildConfig(ctl.ICEServers), sess.ID, ctl.Relay)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("sid", string(sess.ID)).Msg("ai peer setup")
			_, _ = ctl.Registry.End(sess.ID, "ai peer setup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start ai call"})
			return
		}
		if err := ctl.Registry.Attach(sess.ID, rtc.ParticipantID, peer); err != nil {
			peer.Close()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusCreated, createSessionResponse{SessionID: sess.ID, Kind: kind})
}

func (ctl *SessionController) Get(c *gin.Context) {
	dto, err := ctl.Registry.Snapshot(domain.SessionID(c.Param("id")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto)
}

// End is idempotent: ending an already-ended session returns the same
// summary with 200.
func (ctl *SessionController) End(c *gin.Context) {
	sum, err := ctl.Relay.EndSession(domain.SessionID(c.Param("id")), "ended via api")
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// ICEConfig hands the configured STUN/TURN list to dashboard clients.
func (ctl *SessionController) ICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ice_servers": ctl.ICEServers})
}
