package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ailink/egressgw/internal/audit"
	"github.com/ailink/egressgw/internal/cachetier"
	"github.com/ailink/egressgw/internal/config"
	"github.com/ailink/egressgw/internal/cost"
	"github.com/ailink/egressgw/internal/observe"
	"github.com/ailink/egressgw/internal/proxy"
	"github.com/ailink/egressgw/internal/respcache"
	"github.com/ailink/egressgw/internal/storage"
	"github.com/ailink/egressgw/internal/storage/postgres"
	"github.com/ailink/egressgw/internal/storage/sqlite"
	"github.com/ailink/egressgw/internal/telemetry"
	"github.com/ailink/egressgw/internal/token"
	"github.com/ailink/egressgw/internal/upstream"
	"github.com/ailink/egressgw/internal/vault"
	"github.com/ailink/egressgw/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting ailinkgw", "version", version, "addr", cfg.Server.Addr)

	if err := cfg.ValidateMasterKey(slog.Default()); err != nil {
		return err
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Store.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("store opened", "dsn", dsnLog)

	var kek *vault.KEK
	if cfg.Security.MasterKeyHex != "" {
		kek, err = vault.NewKEK(cfg.Security.MasterKeyHex)
		if err != nil {
			return err
		}
	}
	vlt := vault.New(kek)

	var redisClient *redis.Client
	if cfg.Cache.RedisDSN != "" {
		opt, err := redis.ParseURL(cfg.Cache.RedisDSN)
		if err != nil {
			return fmt.Errorf("parse redis dsn: %w", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis ping failed, continuing with local-only cache tier", "error", err)
			redisClient = nil
		} else {
			slog.Info("redis remote cache tier enabled")
		}
	}

	maxLocalSize := cfg.Cache.LocalMaxSize
	if maxLocalSize == 0 {
		maxLocalSize = 10_000
	}
	tier, err := cachetier.New(maxLocalSize, redisClient)
	if err != nil {
		return err
	}

	tokens := token.New(store, tier)

	upCfg := upstream.DefaultConfig()
	if cfg.Upstream.ConnectTimeout > 0 {
		upCfg.ConnectTimeout = cfg.Upstream.ConnectTimeout
	}
	if cfg.Upstream.RequestTimeout > 0 {
		upCfg.RequestTimeout = cfg.Upstream.RequestTimeout
	}
	if cfg.Upstream.MaxAttempts > 0 {
		upCfg.MaxAttempts = cfg.Upstream.MaxAttempts
	}
	upstreamClient := upstream.New(ctx, upCfg)

	pricing := &cost.Table{}
	if entries, err := store.ListPricing(ctx); err != nil {
		slog.Warn("initial pricing load failed, starting with empty table", "error", err)
	} else {
		pricing.Reload(entries)
		slog.Info("pricing table loaded", "entries", len(entries))
	}

	var objectStore audit.ObjectStore
	if cfg.ObjectStore.URL != "" {
		var s3Client *s3.Client
		if strings.HasPrefix(cfg.ObjectStore.URL, "s3://") {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load aws config for audit object store: %w", err)
			}
			s3Client = s3.NewFromConfig(awsCfg)
		}
		objectStore, err = audit.NewObjectStoreFromURL(cfg.ObjectStore.URL, s3Client)
		if err != nil {
			return fmt.Errorf("audit object store: %w", err)
		}
	}

	auditPipeline := audit.New(store, objectStore, slog.Default())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(promRegistry)
	metricsHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})

	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.OTLPEndpoint != "" {
		sampleRate := cfg.Telemetry.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled", "endpoint", cfg.Telemetry.OTLPEndpoint, "sample_rate", sampleRate)
		}
	}

	observer := observe.New(metrics, cfg.Telemetry.StatsdAddr, slog.Default())

	orchestrator := proxy.New(proxy.Deps{
		Tokens:      tokens,
		Policies:    store,
		Credentials: store,
		Vault:       vlt,
		Cache:       respcache.New(tier),
		RateTier:    tier,
		Spend:       store,
		Approvals:   store,
		Upstream:    upstreamClient,
		Pricing:     pricing,
		Audit:       auditPipeline,
		Observer:    observer,
		Logger:      slog.Default(),
	})

	workers := []worker.Worker{
		&worker.CacheEvictionWorker{Tier: tier},
		&worker.BreakerEvictionWorker{Breakers: upstreamClient.Breakers()},
		&worker.LatencySnapshotWorker{Store: store},
		&worker.PricingSnapshotWorker{Store: store, Table: pricing},
		&worker.DebugBodyExpiryWorker{Store: store},
		&worker.BudgetAggregationWorker{Store: store},
	}
	runner := worker.NewRunner(workers...)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", metricsHandler)
	router.HandleFunc("/*", orchestrator.Handle)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	auditDone := make(chan error, 1)
	go func() {
		auditDone <- auditPipeline.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ailinkgw ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers and the audit pipeline together, then wait for both to
	// drain so in-flight audit entries flush before the process exits.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}
	if err := <-auditDone; err != nil {
		slog.Error("audit pipeline shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	if redisClient != nil {
		redisClient.Close()
	}

	slog.Info("ailinkgw stopped")
	return nil
}

// openStore selects the sqlite or postgres backend by DSN scheme: a bare
// path or ":memory:" goes to sqlite, "postgres://"/"postgresql://" to
// postgres.
func openStore(ctx context.Context, dsn string) (storage.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.New(ctx, dsn)
	}
	return sqlite.New(dsn)
}
