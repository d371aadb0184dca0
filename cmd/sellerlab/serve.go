package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sellerlab/sellerlab/internal/config"
	"github.com/sellerlab/sellerlab/internal/experiments"
	"github.com/sellerlab/sellerlab/internal/marketplace"
	"github.com/sellerlab/sellerlab/internal/notifier"
	"github.com/sellerlab/sellerlab/internal/observability"
	"github.com/sellerlab/sellerlab/internal/pricing"
	"github.com/sellerlab/sellerlab/internal/scheduler"
)

const defaultConfigPath = "sellerlab.yaml"

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the experiment daemon",
		Long: `Start the daemon: the experiment engine, the scheduled sweeps, the
Telegram operator channel, and the metrics endpoint.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the due-review and baseline-retry sweeps once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for migrations")
			}
			store, err := experiments.NewPostgresStoreFromDSN(cfg.Database.URL, nil)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("schema migrated")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// app holds the wired daemon components.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	store     experiments.Store
	storeStop func() error
	engine    *experiments.Engine
	scheduler *scheduler.Scheduler
	telegram  *notifier.Telegram
}

// buildApp wires the daemon from config. Called by serve and sweep.
func buildApp(ctx context.Context, configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	// Store: Postgres when configured, in-memory otherwise. The in-memory
	// store is for development; experiments do not survive a restart.
	var store experiments.Store
	storeStop := func() error { return nil }
	if cfg.Database.URL != "" {
		pg, err := experiments.NewPostgresStoreFromDSN(cfg.Database.URL, &experiments.PostgresConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxConnections / 2,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: 2 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		store = pg
		storeStop = pg.Close
	} else {
		logger.Warn("no database configured, using in-memory store")
		store = experiments.NewMemoryStore()
	}

	seller := marketplace.NewSellerClient(cfg.Seller, logger, metrics)
	var performance *marketplace.PerformanceClient
	if cfg.Performance.Configured() {
		performance = marketplace.NewPerformanceClient(cfg.Performance, logger, metrics)
	}

	costs := marketplace.StaticCosts(cfg.Pricing.Costs)
	snapshots := marketplace.NewSnapshots(seller, performance, costs,
		marketplace.SnapshotConfig{WindowDays: cfg.Experiments.SnapshotWindowDays}, logger)
	executor := marketplace.NewExecutor(seller, performance, logger)

	engineCfg := experiments.Config{
		Thresholds:          buildThresholds(cfg.Experiments),
		DefaultDurationDays: cfg.Experiments.DefaultDurationDays,
		ActionTimeout:       cfg.Experiments.ActionTimeout,
		SnapshotTimeout:     cfg.Experiments.SnapshotTimeout,
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics, store: store, storeStop: storeStop}

	// The operator channel needs the engine for commands and the engine
	// needs the channel for events, so the notifier is installed after
	// construction.
	a.engine = experiments.NewEngine(store, snapshots, executor, nil, engineCfg,
		experiments.WithLogger(logger), experiments.WithMetrics(metrics))

	if cfg.Telegram.Configured() {
		tg, err := notifier.NewTelegram(cfg.Telegram, a.engine, logger, metrics)
		if err != nil {
			_ = storeStop()
			return nil, err
		}
		a.telegram = tg
		a.engine.SetNotifier(tg)
	} else {
		a.engine.SetNotifier(notifier.NewLogNotifier(logger, metrics))
	}

	var opts []scheduler.Option
	opts = append(opts, scheduler.WithLogger(logger), scheduler.WithMetrics(metrics))
	if len(cfg.Pricing.Products) > 0 {
		analyzer := pricing.NewAnalyzer(seller, a.engine, cfg.Pricing, logger)
		opts = append(opts, scheduler.WithProposer(analyzer))
	}
	sched, err := scheduler.New(cfg.Scheduler, a.engine, opts...)
	if err != nil {
		_ = storeStop()
		return nil, err
	}
	a.scheduler = sched

	return a, nil
}

func buildThresholds(cfg config.ExperimentsConfig) experiments.Thresholds {
	t := experiments.DefaultThresholds()
	if cfg.PriceThreshold > 0 {
		t.Primary[experiments.KindPrice] = cfg.PriceThreshold
	}
	if cfg.AdvertisingThreshold > 0 {
		t.Primary[experiments.KindAdvertising] = cfg.AdvertisingThreshold
	}
	if cfg.ContentThreshold > 0 {
		t.Primary[experiments.KindContent] = cfg.ContentThreshold
	}
	return t
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer func() { _ = a.storeStop() }()

	shutdownTracing, err := observability.SetupTracing(ctx, a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
		go func() {
			a.logger.Info("metrics endpoint listening", "addr", a.cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if a.telegram != nil {
		go a.telegram.Start(ctx)
	}
	a.scheduler.Start()
	a.logger.Info("sellerlab started", "version", version)

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop timed out", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		a.logger.Warn("tracing shutdown failed", "error", err)
	}
	return nil
}

func runSweep(ctx context.Context, configPath string) error {
	a, err := buildApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = a.storeStop() }()

	reviewed, err := a.scheduler.RunReview(ctx)
	if err != nil {
		return err
	}
	retried, err := a.scheduler.RunBaselineRetry(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("sweep complete", "reviewed", reviewed, "baselines_captured", retried)
	return nil
}
