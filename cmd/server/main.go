// Command server is the HiveBoard gateway entry point: it wires
// config, logging, storage, the pricing/ingestion/query/retention/
// alerting/streaming subsystems, and the HTTP router into one process
// with graceful shutdown (config -> logger -> storage/cache ->
// subsystems -> router -> HTTP server with OS signal handling).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcolano/hiveboard-sub000/internal/alerting"
	"github.com/jcolano/hiveboard-sub000/internal/auth"
	"github.com/jcolano/hiveboard-sub000/internal/config"
	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/httpapi"
	"github.com/jcolano/hiveboard-sub000/internal/ingestion"
	"github.com/jcolano/hiveboard-sub000/internal/logging"
	"github.com/jcolano/hiveboard-sub000/internal/metrics"
	"github.com/jcolano/hiveboard-sub000/internal/pricing"
	"github.com/jcolano/hiveboard-sub000/internal/query"
	"github.com/jcolano/hiveboard-sub000/internal/redisclient"
	"github.com/jcolano/hiveboard-sub000/internal/retention"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
	"github.com/jcolano/hiveboard-sub000/internal/streaming"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Str("addr", cfg.Addr).Msg("hiveboard starting")

	var cache query.Cache
	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without query cache")
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without query cache")
		} else {
			cache = rc
			log.Info().Msg("redis connected")
		}
	}

	store := storage.NewMemStore(log, cfg.DataDir)

	pricingEngine := pricing.NewEngine(log, cfg.DataDir)
	if err := pricingEngine.Initialize(); err != nil {
		log.Fatal().Err(err).Msg("pricing engine init failed")
	}

	metricsRegistry := metrics.New()

	streamingManager := streaming.NewManager(log)
	streamingManager.WithMetrics(metricsRegistry)

	alertingEngine := alerting.New(log, store)
	alertingEngine.WithMetrics(metricsRegistry)

	ingestionPipeline := ingestion.New(log, store, pricingEngine, streamingManager, alertingEngine)
	ingestionPipeline.WithMetrics(metricsRegistry)

	queryService := query.New(store, cache)

	retentionEngine := retention.New(log, store)
	retentionEngine.WithMetrics(metricsRegistry)

	authMiddleware := auth.New(log, store, cfg.APIKeyHeader, cfg.DevKey, devTenantID(cfg))
	rateLimiter := auth.NewRateLimiter(log, cfg.RateLimitIngestRPS, cfg.RateLimitOtherRPS)

	if cfg.DevKey != "" {
		bootstrapDevTenant(context.Background(), store, devTenantID(cfg))
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Config:    cfg,
		Logger:    log,
		Store:     store,
		Pricing:   pricingEngine,
		Query:     queryService,
		Ingestion: ingestionPipeline,
		Alerting:  alertingEngine,
		Streaming: streamingManager,
		Auth:      authMiddleware,
		RateLimit: rateLimiter,
		Metrics:   metricsRegistry,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	bgCtx, cancelBG := context.WithCancel(context.Background())
	retentionEngine.Start(bgCtx, cfg.RetentionInterval)
	streamingManager.StartPingLoop(cfg.FanoutPingInterval)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("hiveboard listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	streamingManager.StopPingLoop()
	retentionEngine.Stop()
	cancelBG()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("hiveboard stopped gracefully")
	}
}

func devTenantID(cfg *config.Config) string {
	if cfg.DevKey == "" {
		return ""
	}
	return "dev"
}

// bootstrapDevTenant provisions the dev tenant and its default project
// when HIVEBOARD_DEV_KEY is set, so a fresh checkout can send its
// first event without any setup step. The
// auth middleware resolves the dev key to this tenant directly, so no
// API key record needs to exist — only the tenant and default project
// that downstream writes assume are present.
func bootstrapDevTenant(ctx context.Context, store storage.Storage, tenantID string) {
	if _, err := store.GetTenant(ctx, tenantID); err != nil {
		_ = store.CreateTenant(ctx, eventmodel.Tenant{TenantID: tenantID, Name: "Development"})
	}
	_, _ = store.EnsureDefaultProject(ctx, tenantID)
}
