package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/dedup"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/gatekeeper"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/handler"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/janitor"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/kvstore"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/repository"
	"github.com/spkcd/wc-coupon-gatekeeper/pkg/health"
	"github.com/spkcd/wc-coupon-gatekeeper/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m httpmiddleware.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New(lg.Named("health"))
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.LatencyCheck(time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	usageRepo := repository.NewUsageRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	apikeyRepo := repository.NewAPIKeyRepository(pool)

	var settingsRepo settings.Repository = repository.NewOptionsRepository(pool, repository.SettingsOptionKey)
	if cfg.SettingsBackend == SettingsBackendBolt {
		kv, err := kvstore.Open(cfg.BoltPath)
		if err != nil {
			return errors.Wrap(err, "open bolt")
		}
		defer func() { _ = kv.Close() }()
		settingsRepo = kv.Option(repository.SettingsOptionKey)
	}
	settingsStore := settings.NewStore(settingsRepo, lg.Named("settings"), settings.WithMaxAge(cfg.SettingsMaxAge))

	// Webhook delivery dedup: Redis when configured so replicas share it.
	var deduper dedup.Deduper = dedup.NewMemory(cfg.DedupTTL)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		deduper = dedup.NewRedis(rdb, "gatekeeper:delivery:", cfg.DedupTTL)
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Domain services.
	gkCfg := gatekeeper.Config{
		Salt:     cfg.CustomerKeySalt,
		Location: loc,
		Logger:   lg.Named("gatekeeper"),
		Meter:    m.MeterProvider(),
		Tracer:   m.TracerProvider(),
	}
	validator, err := gatekeeper.NewValidator(settingsStore, usageRepo, gkCfg)
	if err != nil {
		return errors.Wrap(err, "create validator")
	}
	reconciler, err := gatekeeper.NewReconciler(settingsStore, usageRepo, orderRepo, gkCfg)
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}
	recorder, err := gatekeeper.NewRecorder(settingsStore, usageRepo, orderRepo, deduper, gkCfg)
	if err != nil {
		return errors.Wrap(err, "create recorder")
	}

	cleaner := janitor.New(settingsStore, usageRepo, lg.Named("janitor"), loc, cfg.Janitor.Interval)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		if err := cleaner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("Janitor stopped", zap.Error(err))
		}
	}()

	// HTTP handlers.
	h := handler.NewHandler(handler.HandlerConfig{Location: loc}, handler.Deps{
		Validator:  validator,
		Recorder:   recorder,
		Reconciler: reconciler,
		Settings:   settingsStore,
		Ledger:     usageRepo,
		Usage:      usageRepo,
		Orders:     orderRepo,
		Purger:     cleaner,
	})
	securityHandler := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	// Router: health endpoints + API routes on one server.
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(router, securityHandler)
	routeFinder := httpmiddleware.MakeRouteFinder(router)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:     cfg.RateLimit.Max,
				Window:  cfg.RateLimit.Window,
				KeyFunc: httpmiddleware.HeaderKeyFunc(handler.APIKeyHeader),
				Skip:    httpmiddleware.SkipPaths("/livez", "/readyz"),
			}),
			httpmiddleware.Instrument("coupon-gatekeeper", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		<-janitorDone
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr), zap.String("timezone", loc.String()))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}
