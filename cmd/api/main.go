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

	"counselbook/internal/api"
	"counselbook/internal/config"
	"counselbook/internal/database"
	"counselbook/internal/domain"
	"counselbook/internal/events"
	"counselbook/internal/google"
	"counselbook/internal/logging"
	"counselbook/internal/metrics"
	"counselbook/internal/notify"
	"counselbook/internal/obs"
	"counselbook/internal/payment"
	"counselbook/internal/repository"
	"counselbook/internal/service"
	"counselbook/internal/session"
	"counselbook/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Tracing, cfg.App, &logger)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing init failed, continuing without traces")
	} else {
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = shutdownTracer(tctx)
		}()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	if cfg.Backup.Enabled {
		go database.NewBackupService(db, cfg.Backup, &logger).Start(ctx)
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	store := initExtensionStore(cfg, redisClient, &logger)

	eventBus := events.NewEventBus()
	if cfg.Broker.URL != "" {
		forwarder, err := events.NewBrokerForwarder(cfg.Broker.URL, cfg.Broker.Exchange, logging.Component(&logger, "broker"))
		if err != nil {
			logger.Warn().Err(err).Msg("event broker unavailable, events stay in-process")
		} else {
			forwarder.Attach(eventBus)
			defer func() { _ = forwarder.Close() }()
		}
	}

	tasks := worker.NewTaskWorker(
		db,
		initNotifier(cfg, &logger),
		initGoogleSheets(ctx, cfg, &logger),
		redisClient,
		worker.RetryPolicy{
			MaxRetries:   cfg.Worker.MaxRetries,
			InitialDelay: cfg.Worker.BaseDelay,
			MaxDelay:     cfg.Worker.MaxDelay,
		},
		worker.Options{QueueSize: cfg.Worker.QueueSize, PollInterval: cfg.Worker.PollInterval},
		&logger,
	)
	go tasks.Start(ctx)

	payments, err := payment.New(cfg.Payment, logging.Component(&logger, "payment"))
	if err != nil {
		return err
	}

	slots := service.NewSlotService(db, eventBus, logging.Component(&logger, "slots"))
	bookings := service.NewBookingService(db, eventBus, tasks, cfg.Booking, logging.Component(&logger, "bookings"))

	registry := session.NewRegistry()
	if n, err := registry.Restore(ctx, db); err != nil {
		logger.Error().Err(err).Msg("restore session registry")
	} else if n > 0 {
		logger.Info().Int("sessions", n).Msg("session registry restored")
	}

	rooms := session.NewCoordinator(db, store, bookings, registry, eventBus, cfg.Session, &logger)
	negotiator := session.NewNegotiator(db, store, payments, registry, rooms, eventBus, cfg.Session, cfg.Payment, &logger)
	sweeper := session.NewSweeper(registry, rooms, bookings, eventBus, cfg.Session.SweepInterval, &logger)
	go sweeper.Start(ctx)

	if cfg.Notifications.ReminderTime != "off" {
		reminder, err := service.NewReminder(db, tasks, cfg.Notifications.ReminderTime, logging.Component(&logger, "reminder"))
		if err != nil {
			return err
		}
		go reminder.Start(ctx)
	}

	checks := map[string]api.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return repository.Ping(ctx, redisClient) }
	}

	httpServer := api.NewHTTPServer(cfg.API, cfg.Session, api.HTTPDeps{
		Slots:      slots,
		Bookings:   bookings,
		Rooms:      rooms,
		Extensions: negotiator,
		Checks:     checks,
	}, &logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, api.NewSlotRPCService(slots, db), &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	startMetrics(ctx, cfg, &logger)

	return startServers(ctx, grpcServer, httpServer, cfg, &logger)
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
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if !cfg.Redis.Enabled || cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initExtensionStore prefers redis and falls back to process memory when redis is absent or down.
func initExtensionStore(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.ExtensionStore {
	memory := repository.NewMemoryExtensionStore(cfg.Session.ExtensionStateTTL)
	if client == nil {
		return memory
	}
	primary := repository.NewRedisExtensionStore(client, cfg.Session.ExtensionStateTTL)
	return repository.NewFailoverExtensionStore(primary, memory, logging.Component(logger, "extension_store"))
}

func initNotifier(cfg *config.Config, logger *zerolog.Logger) domain.Notifier {
	if cfg.Notifications.TelegramToken == "" {
		return notify.NewLogNotifier(logger)
	}
	bot, err := notify.NewTelegramBot(cfg.Notifications.TelegramToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, notifications go to the log")
		return notify.NewLogNotifier(logger)
	}
	return notify.NewTelegramNotifier(bot, cfg.Notifications.TelegramChatIDs, logger)
}

func initGoogleSheets(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) domain.SheetsWriter {
	if cfg.Google.CredentialsFile == "" || cfg.Google.BookingSpreadSheetID == "" {
		return nil
	}

	sheetsService, err := google.NewSheetsService(ctx, cfg.Google.CredentialsFile, cfg.Google.BookingSpreadSheetID)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		return nil
	}
	if err := sheetsService.TestConnection(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without sheets")
		return nil
	}
	if err := sheetsService.WarmUpCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets cache warm-up failed")
	}

	logger.Info().Msg("google sheets connected")
	return sheetsService
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Bool("grpc", grpcServer != nil).Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.HTTP.ShutdownTimeout)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}

	logger.Info().Msg("API server stopped")
	return nil
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
