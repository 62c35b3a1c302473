package http

import (
	"context"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/adapters/ws"
	"github.com/kinetra/telemotion/internal/config"
)

// ClientTokenMiddleware gives every dashboard client a stable identity
// cookie, used as the participant id when the query omits one.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, sessions *SessionController, wsCtl *ws.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	corsCfg.AllowCredentials = !corsCfg.AllowAllOrigins
	r.Use(cors.New(corsCfg))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api/v1")

	api.POST("/sessions", sessions.Create)
	api.GET("/sessions/:id", sessions.Get)
	api.DELETE("/sessions/:id", sessions.End)
	api.GET("/config/ice", sessions.ICEConfig)

	api.GET("/ws/signal/:id", func(c *gin.Context) {
		wsCtl.HandleSignal(ctx, c)
	})
	api.GET("/ws/telemetry/:id", func(c *gin.Context) {
		wsCtl.HandleTelemetry(ctx, c)
	})

	return r
}
