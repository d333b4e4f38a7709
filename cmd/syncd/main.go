package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fixturesync/internal/api"
	"fixturesync/internal/catalog"
	"fixturesync/internal/config"
	"fixturesync/internal/database"
	"fixturesync/internal/domain"
	"fixturesync/internal/events"
	"fixturesync/internal/logging"
	"fixturesync/internal/metrics"
	"fixturesync/internal/notify"
	"fixturesync/internal/provider"
	"fixturesync/internal/queue"
	"fixturesync/internal/repository"
	"fixturesync/internal/scheduler"
	"fixturesync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(&logger, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	sources, err := catalog.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, backlog := initBacklog(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	bus := events.NewEventBus()
	if err := initNotifier(cfg, bus, &logger); err != nil {
		return err
	}

	fixtures := provider.NewHTTPFixtureSource(cfg.Provider, logging.Component(&logger, "provider"))
	syncWorker := worker.NewSyncWorker(db, fixtures, worker.OptionsFromConfig(cfg.Sync), bus, logging.Component(&logger, "worker"))
	jobQueue := queue.New(db, syncWorker, backlog, queue.ConfigFromSync(cfg.Sync), bus, logging.Component(&logger, "queue"))

	sched := scheduler.New(
		sources,
		scheduler.NewQueueRefresher(jobQueue, logging.Component(&logger, "refresher")),
		scheduler.ConfigFromScheduler(cfg.Scheduler),
		logging.Component(&logger, "scheduler"),
	)

	var backup scheduler.Backupper
	if cfg.Backup.Enabled {
		backup = database.NewBackupService(db, cfg.Backup, logging.Component(&logger, "backup"))
	}
	housekeeper := scheduler.NewHousekeeper(jobQueue, backup, cfg.Scheduler.HousekeepingSchedule, cfg.Sync.RetentionDays, logging.Component(&logger, "housekeeper"))

	bg := &services{
		queue:        jobQueue,
		sched:        sched,
		housekeeper:  housekeeper,
		runScheduler: cfg.Scheduler.Enabled,
		logger:       &logger,
	}
	if err := bg.start(ctx); err != nil {
		return err
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, jobQueue, logging.Component(&logger, "http"))
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
				stop()
			}
		}()
	}

	startMetrics(ctx, cfg, &logger)

	logger.Info().
		Int("sources", sources.Len()).
		Int("concurrency", cfg.Sync.Concurrency).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("fixturesync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	bg.stopTriggers()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	bg.drain(shutdownCtx)

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd").Logger()

	return cfg, logger, closer, nil
}

// initBacklog prefers Redis with an in-process fallback. Without a Redis
// address the backlog lives in memory only.
func initBacklog(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.Backlog) {
	memory := repository.NewMemoryBacklog()
	if cfg.Redis.Address == "" {
		return nil, memory
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, backlog starts on memory fallback")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisBacklog(client, cfg.Redis.QueueKey)
	return client, repository.NewFailoverBacklog(primary, memory, logging.Component(logger, "backlog"))
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) error {
	if cfg.Notify.TelegramToken == "" {
		return nil
	}
	botAPI, err := notify.NewBotAPI(cfg.Notify)
	if err != nil {
		logger.Error().Err(err).Msg("telegram alerts unavailable")
		return err
	}
	notify.NewTelegramNotifier(botAPI, cfg.Notify.ChatIDs, logging.Component(logger, "notify")).Subscribe(bus)
	logger.Info().Int("chats", len(cfg.Notify.ChatIDs)).Msg("telegram alerts enabled")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
