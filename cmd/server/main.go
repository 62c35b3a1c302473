package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kinetra/telemotion/internal/adapters/analysis"
	router "github.com/kinetra/telemotion/internal/adapters/http"
	"github.com/kinetra/telemotion/internal/adapters/ws"
	"github.com/kinetra/telemotion/internal/app"
	"github.com/kinetra/telemotion/internal/config"
	"github.com/kinetra/telemotion/internal/core"
	"github.com/kinetra/telemotion/internal/domain"
	"github.com/kinetra/telemotion/internal/telemetry"
)

// noopAnalyzer stands in when no inference service is configured; every
// submission degrades as an analysis failure and consumers keep their
// previous result.
type noopAnalyzer struct{}

func (noopAnalyzer) Analyze(_ context.Context, _ domain.PoseFrame) (domain.AnalysisResult, error) {
	return domain.AnalysisResult{}, domain.ErrAnalysisFailure
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	reg := app.NewRegistry(cfg.GraceWindow, cfg.EvictAfter)
	ice := app.NewICEBuffer(cfg.ICEBufferCapacity)

	var analyzer core.Analyzer = noopAnalyzer{}
	if cfg.AnalyzerURL != "" {
		analyzer = analysis.NewHTTPAnalyzer(cfg.AnalyzerURL)
	} else {
		log.Warn().Msg("no analyzer_url configured, telemetry will degrade")
	}

	pipeline := telemetry.NewPipeline(analyzer, reg,
		telemetry.WithInterval(cfg.ThrottleInterval),
		telemetry.WithTimeout(cfg.AnalysisTimeout),
		telemetry.WithResultHook(reg.RecordResult),
	)
	// Pipeline cleanup registers before the relay: in-flight analysis is
	// cancelled before relay routes and buffers are released.
	reg.OnEnded(pipeline.OnSessionEnded)
	relay := app.NewRelay(reg, ice)

	wsCtl := &ws.Controller{
		Relay:      relay,
		Registry:   reg,
		Pipeline:   pipeline,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	sessions := &router.SessionController{
		Registry:   reg,
		Relay:      relay,
		ICEServers: cfg.ICEServers,
	}

	r := router.SetupRouter(ctx, cfg, sessions, wsCtl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("telemotion server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
