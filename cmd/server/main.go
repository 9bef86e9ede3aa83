// Command server runs the call ingestion backend: the Drive webhook receiver,
// the transcription/summarization pipeline, the WebSocket status stream, and
// the public REST API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-call-backend/internal/config"
	"github.com/tbourn/go-call-backend/internal/domain"
	"github.com/tbourn/go-call-backend/internal/drive"
	httpapi "github.com/tbourn/go-call-backend/internal/http"
	"github.com/tbourn/go-call-backend/internal/notify"
	"github.com/tbourn/go-call-backend/internal/observability"
	"github.com/tbourn/go-call-backend/internal/repo"
	"github.com/tbourn/go-call-backend/internal/services"
	"github.com/tbourn/go-call-backend/internal/storage"
	"github.com/tbourn/go-call-backend/internal/sysutil"
)

// version is stamped by the build; "dev" outside release builds.
var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := openDB(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}

	gcsClient, err := gstorage.NewClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("storage client init failed")
	}
	defer gcsClient.Close()
	store := storage.NewGCSStore(gcsClient, cfg.StorageBucket)

	driveSvc, err := gdrive.NewService(ctx, option.WithScopes(gdrive.DriveScope))
	if err != nil {
		log.Fatal().Err(err).Msg("drive client init failed")
	}
	provider := drive.NewGoogleProvider(driveSvc)

	hub := notify.NewHub(db, cfg.ConnectionTTL, 5*time.Second)
	ai := services.NewOpenAIClient(cfg.OpenAI)

	pipeline := services.NewPipelineService(db, store, ai, ai, hub, cfg.Pipeline)
	callSvc := services.NewCallService(db, store)
	pipeline.OnCompleted = func(ctx context.Context, _ *domain.CallItem) {
		if err := callSvc.RefreshIndex(ctx); err != nil {
			log.Warn().Err(err).Msg("search index refresh failed")
		}
	}
	ingestSvc := services.NewIngestService(db, provider, store, pipeline, cfg.Drive)
	subSvc := services.NewSubscriptionService(db, provider, cfg.Drive)

	if err := callSvc.RefreshIndex(ctx); err != nil {
		log.Warn().Err(err).Msg("initial search index build failed")
	}

	pipeline.Start(ctx)
	defer pipeline.Stop()
	if err := pipeline.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("pipeline recovery failed")
	}

	// The channel registration is bootstrapped and kept alive on a timer.
	go renewLoop(ctx, subSvc, cfg.Drive.RenewInterval)
	go purgeLoop(ctx, hub, cfg.ConnectionTTL)

	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Deps{
		CallSvc:   callSvc,
		Requeuer:  pipeline,
		IngestSvc: ingestSvc,
		SubSvc:    subSvc,
		Hub:       hub,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

// openDB opens the sqlite database, enables query tracing, and migrates the
// schema.
func openDB(path string) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// renewLoop keeps the Drive push channel registered. The first tick runs
// immediately so a fresh deployment subscribes without waiting an interval.
func renewLoop(ctx context.Context, subSvc *services.SubscriptionService, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := subSvc.Tick(ctx); err != nil {
			log.Error().Err(err).Msg("subscription tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// purgeLoop sweeps expired WebSocket registrations.
func purgeLoop(ctx context.Context, hub *notify.Hub, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := hub.PurgeExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("connection purge failed")
			} else if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired connections removed")
			}
		}
	}
}
