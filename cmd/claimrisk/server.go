package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/claimrisk/claimrisk/internal/config"
	"github.com/claimrisk/claimrisk/internal/domain/auditlog"
	"github.com/claimrisk/claimrisk/internal/domain/claim"
	"github.com/claimrisk/claimrisk/internal/domain/episode"
	"github.com/claimrisk/claimrisk/internal/domain/ingest"
	"github.com/claimrisk/claimrisk/internal/domain/pattern"
	"github.com/claimrisk/claimrisk/internal/domain/payer"
	"github.com/claimrisk/claimrisk/internal/domain/remittance"
	"github.com/claimrisk/claimrisk/internal/domain/risk"
	"github.com/claimrisk/claimrisk/internal/platform/apperr"
	"github.com/claimrisk/claimrisk/internal/platform/auth"
	"github.com/claimrisk/claimrisk/internal/platform/cache"
	"github.com/claimrisk/claimrisk/internal/platform/db"
	"github.com/claimrisk/claimrisk/internal/platform/jobs"
	"github.com/claimrisk/claimrisk/internal/platform/middleware"
	"github.com/claimrisk/claimrisk/internal/platform/phi"
	"github.com/claimrisk/claimrisk/internal/platform/telemetry"
	"github.com/claimrisk/claimrisk/internal/platform/websocket"
	"github.com/claimrisk/claimrisk/internal/platform/x12"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// devEncryptionKey keeps the hasher usable in development when no key is
// configured. Production refuses to start without a real key.
const devEncryptionKey = "dev-only-hashing-key-32-chars-xx"

const shutdownGrace = 15 * time.Second

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	cacheStore, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	ttls := cacheTTLs(cfg)

	encryptionKey := cfg.EncryptionKey
	if encryptionKey == "" {
		logger.Warn().Msg("ENCRYPTION_KEY not set, using the development key")
		encryptionKey = devEncryptionKey
	}
	hasher, err := phi.NewHasher(encryptionKey)
	if err != nil {
		return err
	}

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "claimrisk",
		ServiceVersion: version,
		Environment:    cfg.Environment,
	})
	defer tp.Shutdown(context.Background())

	hub := websocket.NewHub(logger)
	inTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}

	// Repositories and services.
	payerRepo := payer.NewRepoPG(pool)
	claimRepo := claim.NewRepoPG(pool)
	remitRepo := remittance.NewRepoPG(pool)
	episodeRepo := episode.NewRepoPG(pool)
	patternRepo := pattern.NewRepoPG(pool)
	riskRepo := risk.NewRepoPG(pool)
	auditRepo := auditlog.NewRepoPG(pool)

	payerSvc := payer.NewService(payerRepo, cacheStore, ttls, logger)
	claimSvc := claim.NewService(claimRepo, cacheStore, ttls, logger)
	remitSvc := remittance.NewService(remitRepo, cacheStore, ttls, logger)
	patternSvc := pattern.NewService(patternRepo, pattern.TxRunner(inTx), logger)
	episodeSvc := episode.NewService(episodeRepo, claimRepo, remitRepo,
		cacheStore, ttls, hub, episode.TxRunner(inTx), logger)
	auditSvc := auditlog.NewService(auditRepo, logger)

	scorer := risk.NewScorer(claimRepo, riskRepo,
		risk.DefaultFactors(payerSvc, patternSvc, nil),
		cacheStore, ttls, hub, logger)

	// Background job dispatcher. Every persisted state change is pushed to
	// subscribed clients and completed jobs feed the duration histogram.
	jobStore := jobs.NewPGStore(pool)
	dispatcher := jobs.NewDispatcher(jobs.DispatcherConfig{
		Workers:      cfg.JobWorkers,
		QueueSize:    cfg.JobQueueSize,
		SoftDeadline: cfg.SoftDeadline(),
		MaxRetries:   3,
		BackoffBase:  time.Second,
	}, jobStore, logger, jobs.WithJobListener(func(job jobs.Job) {
		if job.StartedAt != nil && job.FinishedAt != nil {
			tp.ObserveJobDuration(job.Type, job.FinishedAt.Sub(*job.StartedAt).Seconds())
		}
		ev, err := websocket.NewEvent(websocket.EventJobUpdate, job, "")
		if err != nil {
			return
		}
		hub.Broadcast(ev)
	}))

	spoolDir := filepath.Join(os.TempDir(), "claimrisk-spool")
	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}

	pipeline := ingest.NewPipeline(ingest.Deps{
		Parser:    x12.NewParser(),
		Hasher:    hasher,
		Payers:    payerSvc,
		Claims:    claimSvc,
		Remits:    remitRepo,
		RemitSvc:  remitSvc,
		Episodes:  episodeSvc,
		Detector:  patternSvc,
		Scorer:    scorer,
		Metrics:   tp,
		InTx:      inTx,
		Publisher: hub,
		Logger:    logger,
	})
	dispatcher.Register(ingest.JobTypeClaimFile, pipeline.ClaimJobHandler())
	dispatcher.Register(ingest.JobTypeRemitFile, pipeline.RemitJobHandler())
	dispatcher.Register(risk.JobTypeRecalculate, scorer.JobHandler())
	dispatcher.Start()

	e := newEcho(cfg, logger, tp)

	// Health endpoints stay outside auth so orchestrators can reach them.
	e.GET("/api/v1/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/api/v1/health/detailed", detailedHealth(pool, cacheStore, jobStore, hub, tp))
	e.GET("/metrics", tp.PrometheusHandler())

	var authMW echo.MiddlewareFunc
	if cfg.RequireAuth {
		authMW = auth.JWTMiddleware(auth.JWTConfig{SigningKey: []byte(cfg.JWTSecretKey)})
	} else {
		authMW = auth.DevAuthMiddleware()
	}

	api := e.Group("/api/v1")
	api.Use(authMW)
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitRPM / 6,
		RequireCache:      cfg.RateLimitRequireRedis && cfg.IsProduction(),
	}, cacheStore, logger))
	api.Use(middleware.Audit(logger, auditSvc))

	api.GET("/cache/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cacheStats(cacheStore))
	})
	api.POST("/cache/stats/reset", func(c echo.Context) error {
		cacheStore.ResetStats()
		return c.JSON(http.StatusOK, cacheStats(cacheStore))
	}, auth.RequireRole(auth.RoleAdmin))

	payer.NewHandler(payerSvc).RegisterRoutes(api)
	claim.NewHandler(claimSvc).RegisterRoutes(api)
	remittance.NewHandler(remitSvc).RegisterRoutes(api)
	episode.NewHandler(episodeSvc).RegisterRoutes(api)
	pattern.NewHandler(patternSvc).RegisterRoutes(api)
	risk.NewHandler(scorer, dispatcher).RegisterRoutes(api)
	auditlog.NewHandler(auditSvc).RegisterRoutes(api)
	ingest.NewHandler(dispatcher, spoolDir, logger).RegisterRoutes(api)
	jobs.NewHTTPHandler(jobStore).RegisterRoutes(api.Group("/jobs"))
	websocket.NewHandler(hub).RegisterRoutes(e.Group("/ws", authMW))

	addr := cfg.Host + ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("version", version).Msg("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("job dispatcher stop timed out")
	}
	if err := auditSvc.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit writer drain failed")
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "claimrisk").Logger()
	if cfg.IsDev() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func newCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Cache, error) {
	if cfg.RedisURL != "" {
		r, err := cache.NewRedis(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info().Msg("cache backed by redis")
		return r, nil
	}
	if cfg.IsProduction() {
		logger.Warn().Msg("no REDIS_URL configured, cache is process-local")
	}
	mem := cache.NewMemory()
	mem.StartCleanup(ctx, time.Minute)
	return mem, nil
}

func cacheTTLs(cfg *config.Config) cache.TTLs {
	ttls := cache.DefaultTTLs()
	if cfg.CacheTTLClaim > 0 {
		ttls.Claim = cfg.CacheTTLClaim
	}
	if cfg.CacheTTLRiskScore > 0 {
		ttls.RiskScore = cfg.CacheTTLRiskScore
	}
	if cfg.CacheTTLPayer > 0 {
		ttls.Payer = cfg.CacheTTLPayer
	}
	if cfg.CacheTTLCount > 0 {
		ttls.Count = cfg.CacheTTLCount
	}
	return ttls
}

func newEcho(cfg *config.Config, logger zerolog.Logger, tp *telemetry.TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = newHTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", fmt.Sprintf("%dM", cfg.UploadMaxBytes>>20)))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	return e
}

// newHTTPErrorHandler renders classified errors with their mapped status
// and a stable JSON envelope. Echo's own errors pass through untouched.
func newHTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		if he, ok := err.(*echo.HTTPError); ok {
			var body apperr.Body
			body.Error.Code = http.StatusText(he.Code)
			body.Error.Message = fmt.Sprintf("%v", he.Message)
			if writeErr := c.JSON(he.Code, body); writeErr != nil {
				logger.Error().Err(writeErr).Msg("error response write failed")
			}
			return
		}

		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("path", c.Path()).
				Str("method", c.Request().Method).
				Msg("request failed")
		}
		if writeErr := c.JSON(status, apperr.ToBody(err)); writeErr != nil {
			logger.Error().Err(writeErr).Msg("error response write failed")
		}
	}
}

func cacheStats(c cache.Cache) map[string]interface{} {
	stats := c.Stats()
	return map[string]interface{}{
		"hits":     stats.Hits,
		"misses":   stats.Misses,
		"sets":     stats.Sets,
		"deletes":  stats.Deletes,
		"errors":   stats.Errors,
		"hit_rate": stats.HitRate(),
	}
}

// detailedHealth reports dependency status: database pool, cache
// connectivity, queued job backlog, and connected push clients.
func detailedHealth(
	pool *pgxpool.Pool,
	c cache.Cache,
	store jobs.Store,
	hub *websocket.Hub,
	tp *telemetry.TelemetryProvider,
) echo.HandlerFunc {
	type depStatus struct {
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	return func(ec echo.Context) error {
		ctx, cancel := context.WithTimeout(ec.Request().Context(), 5*time.Second)
		defer cancel()

		resp := map[string]interface{}{"version": version}
		healthy := true

		poolStats := db.GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			poolStats.Healthy = false
			resp["database"] = map[string]interface{}{"pool": poolStats, "error": err.Error()}
			healthy = false
		} else {
			resp["database"] = map[string]interface{}{"pool": poolStats}
		}
		tp.HealthMetrics().SetDBPoolActive(int64(poolStats.AcquiredConns))
		tp.HealthMetrics().SetDBPoolIdle(int64(poolStats.IdleConns))

		cacheStatus := depStatus{Healthy: true}
		if err := c.Ping(ctx); err != nil {
			cacheStatus = depStatus{Healthy: false, Error: err.Error()}
			healthy = false
		}
		resp["cache"] = cacheStatus

		queued, err := store.ListJobs(ctx, jobs.StatusQueued, 500)
		if err != nil {
			resp["jobs"] = depStatus{Healthy: false, Error: err.Error()}
			healthy = false
		} else {
			resp["jobs"] = map[string]interface{}{"healthy": true, "queued": len(queued)}
		}
		resp["websocket_clients"] = hub.ClientCount()

		stats := c.Stats()
		tp.HealthMetrics().SetCacheStats(stats.Hits, stats.Misses)

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
		} else {
			resp["status"] = "healthy"
		}
		return ec.JSON(status, resp)
	}
}
