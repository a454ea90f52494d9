package main

import (
	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/query"
	"VaultLedger/internal/server"
	"VaultLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	boot := observability.NewLogger("vaultledger")

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerTo(os.Stdout, "vaultledger", observability.ParseLogLevel(cfg.LogLevel))
	logger.Info().Int("vaults", len(cfg.Vaults)).Str("network", cfg.Network).Msg("VaultLedger starting")

	// --- Context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("VaultLedger stopped")
	}
	logger.Info().Msg("VaultLedger stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	level := observability.ParseLogLevel(cfg.LogLevel)
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, name, level)
	}

	// --- Postgres ---
	db, err := persistence.Open(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	applied, err := persistence.NewMigrator(db, cfg.MigrationsDir, component("migrator")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	// --- Store ---
	store := persistence.NewPostgresStore(db, component("store"), metrics)
	store.SetCommitTimeout(cfg.CommitTimeout)
	prices := state.NewPriceCache(store, cfg.PriceCacheSize)

	// --- Worker pools ---
	// Allocation fan-out runs inside vault replays and must not share their pool.
	allocPool := pond.NewPool(cfg.AllocationWorkers)
	defer allocPool.StopAndWait()
	vaultPool := pond.NewPool(cfg.VaultParallelism)
	defer vaultPool.StopAndWait()

	// --- Replay pipeline ---
	allocator := core.NewAllocator(allocPool, component("allocator"), metrics)
	classifier := core.NewClassifier(store, store, prices, allocator, component("classifier"), metrics)
	idempotency := core.NewIdempotencyChecker(cfg.DedupCapacity, store, metrics)
	driver := core.NewDriver(store, classifier, idempotency, vaultPool, cfg.Driver(), component("driver"), metrics)

	vaults := cfg.ReplayVaults()
	byAddr := make(map[string]core.Vault, len(vaults))
	for _, v := range vaults {
		byAddr[v.Address] = v
	}

	// --- NATS (optional) ---
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, component("nats"))
		if err != nil {
			return err
		}
		defer nc.Drain()

		if err := ingestion.EnsureStreams(ctx, js, component("nats")); err != nil {
			return err
		}
		driver.SetSink(ingestion.NewEntryPublisher(js, component("publisher")))

		msgs := make(chan ingestion.Message, 256)
		sub := ingestion.NewNATSSubscriber(js, msgs, component("subscriber"))
		if err := sub.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return err
		}
		defer sub.Stop()

		dispatcher := ingestion.NewDispatcher(store, driver, vaults, component("dispatcher"))
		go func() {
			if err := dispatcher.Run(ctx, msgs); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("dispatcher stopped")
			}
		}()
		logger.Info().Str("url", cfg.NATSURL).Msg("NATS connected")
	}

	// --- Servers ---
	deps := &server.Deps{
		QueryService:  query.NewQueryService(store, store),
		Replayer:      driver,
		Vaults:        byAddr,
		HealthChecker: health,
		Metrics:       metrics,
	}
	if cfg.MetricsAddr == "" {
		deps.MetricsHandler = promhttp.Handler()
	}
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, deps, component("server"))

	errCh := make(chan error, 3)
	go func() { errCh <- srv.StartGRPC(ctx) }()
	go func() { errCh <- srv.StartHTTP(ctx) }()
	if cfg.MetricsAddr != "" {
		go func() { errCh <- serveMetrics(ctx, cfg.MetricsAddr, logger) }()
	}

	// --- Startup replay ---
	if cfg.ReplayOnStart {
		if err := replayAll(ctx, driver, vaults, health, logger); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("startup replay incomplete")
		}
	}
	srv.SetServing(true)
	logger.Info().Msg("VaultLedger ready")

	if cfg.ReplayPollInterval > 0 {
		go poll(ctx, cfg.ReplayPollInterval, driver, vaults, health, logger)
	}

	select {
	case <-ctx.Done():
		srv.SetServing(false)
		logger.Info().Msg("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func replayAll(ctx context.Context, driver *core.Driver, vaults []core.Vault, health *observability.HealthChecker, logger zerolog.Logger) error {
	start := time.Now()
	results, err := driver.ReplayAll(ctx, vaults)

	applied := 0
	for _, r := range results {
		if r != nil {
			applied += r.Applied
		}
	}
	logger.Info().
		Int("vaults", len(vaults)).
		Int("applied", applied).
		Dur("took", time.Since(start)).
		Msg("replay pass finished")

	if err == nil {
		health.MarkReplayed(time.Now())
	}
	return err
}

// poll replays every vault on a fixed interval until ctx is cancelled.
func poll(ctx context.Context, every time.Duration, driver *core.Driver, vaults []core.Vault, health *observability.HealthChecker, logger zerolog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := replayAll(ctx, driver, vaults, health, logger); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("scheduled replay failed")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
