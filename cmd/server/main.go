// Command server runs the conversation API.
//
// Startup order:
//  1. Load .env (best effort) and environment configuration.
//  2. Configure zerolog and optional OpenTelemetry export.
//  3. Open SQLite, run migrations.
//  4. Construct the generation gateway (n8n workflow or Gemini).
//  5. Register routes and serve until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/agrisage/agrichat-backend/internal/config"
	"github.com/agrisage/agrichat-backend/internal/generation"
	httpapi "github.com/agrisage/agrichat-backend/internal/http"
	"github.com/agrisage/agrichat-backend/internal/observability"
	"github.com/agrisage/agrichat-backend/internal/repo"
	"github.com/agrisage/agrichat-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// @title        AgriChat Backend API
// @version      1.0
// @description  Conversation store with multi-variant assistant turns for the AgriSage farmer-assistance app.
// @BasePath     /api/v1
func main() {
	// Best effort: a missing .env is fine in production.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Opportunistic cleanup of idempotency records past their TTL.
	if n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Msg("idempotency purge")
	} else if n > 0 {
		log.Info().Int64("rows", n).Msg("purged expired idempotency records")
	}

	gw, titler, err := buildGateway(ctx, cfg.Gateway)
	if err != nil {
		log.Fatal().Err(err).Msg("construct generation gateway")
	}

	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, gw, titler, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("gateway", cfg.Gateway.Kind).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
		_ = srv.Close()
	}
}

// buildGateway constructs the configured generation backend. The Gemini
// titler is wired whenever a key is present, independent of the answer
// backend, so workflow deployments still get generated session titles.
func buildGateway(ctx context.Context, gc config.GatewayConfig) (generation.Gateway, generation.TitleSuggester, error) {
	var titler generation.TitleSuggester
	var gemini *generation.GeminiGateway

	if gc.GeminiKey != "" {
		g, err := generation.NewGeminiGateway(ctx, gc.GeminiKey, gc.GeminiModel, gc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		gemini = g
		titler = g
	}

	switch gc.Kind {
	case config.GatewayGemini:
		if gemini == nil {
			return nil, nil, errors.New("gemini gateway requires GEMINI_API_KEY")
		}
		return gemini, titler, nil
	default:
		if gc.WebhookURL == "" {
			return nil, nil, errors.New("workflow gateway requires N8N_WEBHOOK_URL")
		}
		return generation.NewWorkflowGateway(gc.WebhookURL, gc.WebhookKey, gc.Timeout), titler, nil
	}
}
