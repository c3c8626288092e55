package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/outflowhq/outflow/internal/alert"
	"github.com/outflowhq/outflow/internal/archive"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/engine"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/metrics"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/scheduler"
	"github.com/outflowhq/outflow/internal/store"
	"github.com/outflowhq/outflow/pkg/schema"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	// .env is a dev convenience; absence is fine.
	_ = godotenv.Load()

	cfg := loadConfig(configPath())
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var counters dispatch.CounterStore
	if cfg.Guard.RedisURL != "" {
		client, err := dispatch.NewRedisClient(ctx, cfg.Guard.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		counters = dispatch.NewRedisCounters(client)
	} else {
		counters = dispatch.NewMemoryCounters()
		logger.Warn("no redis url configured, dispatch counters are process-local")
	}

	notifier := buildNotifier(cfg, logger)
	guard := dispatch.NewGuard(counters, cfg.guardConfig(), logger, notifier)

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	metricsProvider, err := buildMetrics(cfg, logger)
	if err != nil {
		return err
	}

	q := queue.NewQueue(st, logger)

	var archivers []archive.Archiver
	if cfg.Archive.Endpoint != "" {
		arch, err := archive.NewMinIOArchiver(ctx, cfg.archiveConfig())
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archivers = append(archivers, arch)
	}

	exec := engine.NewExecutor(st, st, guard, provider, q, metricsProvider,
		cfg.executorConfig(), logger, archivers...)
	defer exec.Shutdown()

	consumer := queue.NewConsumer(st, cfg.consumerConfig(), logger)
	consumer.RegisterHandler(schema.JobKindDispatch, exec.HandleDispatch)
	consumer.RegisterHandler(schema.JobKindVerify, exec.HandleVerify)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer func() { _ = consumer.Stop() }()

	recovery := engine.NewRecovery(st, q, exec, notifier, cfg.recoveryConfig(), logger)

	sched := scheduler.NewScheduler(cfg.schedulerConfig(), notifier, logger)
	err = sched.AddTrigger("sweep", cfg.Scheduler.SweepCron, func(ctx context.Context) error {
		_, err := exec.Sweep(ctx)
		return err
	})
	if err != nil {
		return err
	}
	err = sched.AddTrigger("recovery", cfg.Scheduler.RecoveryCron, func(ctx context.Context) error {
		_, err := recovery.Run(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer func() { _ = sched.Stop() }()

	logger.Info("outflow engine started",
		slog.String("version", version),
		slog.String("store", cfg.Store.Driver),
		slog.String("provider", cfg.Provider.Mode),
		slog.String("sweep_cron", cfg.Scheduler.SweepCron),
		slog.String("recovery_cron", cfg.Scheduler.RecoveryCron),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}

func openStore(ctx context.Context, cfg Config) (*store.SQLStore, error) {
	switch cfg.Store.Driver {
	case "", "libsql":
		dsn := cfg.Store.DBPath
		if !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, err
			}
			dsn = "file:" + dsn
		}
		return store.NewLibSQLStore(dsn)
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresConfig{URL: cfg.Store.URL})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildNotifier(cfg Config, logger *slog.Logger) alert.Notifier {
	log := alert.NewLogNotifier(logger)
	if cfg.Alert.WebhookURL == "" {
		return log
	}
	return alert.Fanout{log, alert.NewWebhookNotifier(cfg.webhookConfig())}
}

func buildProvider(cfg Config, logger *slog.Logger) (dispatch.Provider, error) {
	switch cfg.Provider.Mode {
	case "http":
		if len(cfg.Provider.Channels) == 0 {
			return nil, fmt.Errorf("provider mode http needs at least one channel endpoint")
		}
		return dispatch.NewHTTPProvider(cfg.providerConfig()), nil
	case "", "log":
		logger.Warn("provider mode log: messages are not delivered anywhere")
		return dispatch.NewLogProvider(logger), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}
}

func buildMetrics(cfg Config, logger *slog.Logger) (metrics.Provider, error) {
	if cfg.Metrics.Endpoint == "" {
		logger.Warn("no metrics endpoint configured, conditions read zero for every metric")
		return metrics.NewStaticProvider(), nil
	}
	p, err := metrics.NewHTTPProvider(cfg.metricsConfig())
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return p, nil
}
