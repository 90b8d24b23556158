package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"seminarhall/internal/api"
	"seminarhall/internal/config"
	"seminarhall/internal/database"
	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/export"
	"seminarhall/internal/google"
	"seminarhall/internal/lease"
	"seminarhall/internal/logging"
	"seminarhall/internal/metrics"
	"seminarhall/internal/models"
	"seminarhall/internal/notify"
	"seminarhall/internal/service"
	"seminarhall/internal/slots"
	"seminarhall/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// backend is a reservation store that also keeps the delivery outbox.
type backend interface {
	domain.Repository
	worker.OutboxStore
	api.DeadLetters
}

func main() {
	exportOnly := flag.Bool("export", false, "write all reservations to an .xlsx file in exports.path and exit")
	flag.Parse()

	if err := run(*exportOnly); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(exportOnly bool) error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	calendar, err := slots.NewCalendar(cfg.Slots)
	if err != nil {
		return fmt.Errorf("build slot calendar: %w", err)
	}

	store, err := initStore(cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	eventBus := events.NewEventBus()
	eventBus.OnError(func(ev *events.Event, err error) {
		logger.Error().Err(err).Str("event_type", ev.Type).Msg("event handler failed")
	})

	engine := service.NewAllocationService(store, calendar, initLocker(cfg, redisClient, &logger), eventBus, cfg.Allocation, &logger)
	var backupService *database.BackupService
	var resourceOpts []service.ResourceOption
	if cfg.Backup.Enabled && cfg.Database.Driver == "sqlite" {
		backupService = database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		resourceOpts = append(resourceOpts, service.WithSnapshotter(backupService))
	}
	resources := service.NewResourceService(engine, resourceOpts...)

	if err := seedHalls(ctx, cfg, resources, &logger); err != nil {
		return err
	}

	exporter := export.NewExcelExporter(calendar, cfg.Exports.Path)
	if exportOnly {
		return exportReservations(ctx, engine, resources, exporter, &logger)
	}

	sinks, sheets, cleanup := initSinks(ctx, cfg, calendar, &logger)
	defer cleanup()

	if len(sinks) > 0 && cfg.Outbox.Enabled {
		relay := worker.NewRelayWorker(store, sinks, worker.RetryPolicy{
			MaxRetries:    cfg.Outbox.MaxRetries,
			InitialDelay:  2 * time.Second,
			MaxDelay:      time.Minute,
			BackoffFactor: 2,
		}, worker.RelayOptions{
			Redis:        redisClient,
			RedisQueue:   cfg.Outbox.RedisQueue,
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			Logger:       &logger,
		})
		eventBus.SubscribeAll(relay.Handler(5 * time.Second))
		go relay.Start(ctx)
	}

	if sheets != nil {
		go syncSheets(ctx, sheets, engine, &logger)
	}

	if backupService != nil {
		go backupService.Start(ctx)
	}

	startMetrics(ctx, cfg, &logger)

	httpServer := api.NewHTTPServer(cfg.API, api.Dependencies{
		Reservations: engine,
		Resources:    resources,
		Calendar:     calendar,
		Exporter:     exporter,
		Store:        store,
		Outbox:       store,
	}, &logger)

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, store, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		go grpcServer.WatchHealth(ctx, cfg.Monitoring.HealthInterval)
	}

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

func initStore(cfg *config.Config, logger *zerolog.Logger) (backend, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("using in-memory store, reservations are lost on restart")
		return database.NewMemoryRepository(), nil
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	return db, nil
}

func loadHalls(path string) ([]models.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var hallsConfig struct {
		Halls []models.Resource `yaml:"halls"`
	}
	if err := yaml.Unmarshal(data, &hallsConfig); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return hallsConfig.Halls, nil
}

func seedHalls(ctx context.Context, cfg *config.Config, resources *service.ResourceService, logger *zerolog.Logger) error {
	path := cfg.Database.SeedFile
	if env := os.Getenv("HALLS_PATH"); env != "" {
		path = env
	}
	if path == "" {
		return nil
	}

	halls, err := loadHalls(path)
	if err != nil {
		logger.Error().Err(err).Str("halls_path", path).Msg("read halls")
		return err
	}

	added, err := resources.Seed(ctx, halls)
	if err != nil {
		return fmt.Errorf("seed halls: %w", err)
	}
	logger.Info().Int("added", added).Int("total", len(halls)).Msg("halls seeded")
	return nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := lease.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := lease.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initLocker(cfg *config.Config, client *redis.Client, logger *zerolog.Logger) domain.KeyLocker {
	memory := lease.NewMemoryLocker()
	if cfg.Lease.Backend != "redis" {
		return memory
	}
	if client == nil {
		logger.Warn().Msg("lease backend is redis but redis is unavailable, using in-process leases")
		return memory
	}
	return lease.NewFailoverLocker(lease.NewRedisLocker(client, cfg.Lease), memory, logger)
}

func initSinks(ctx context.Context, cfg *config.Config, calendar *slots.Calendar, logger *zerolog.Logger) ([]worker.Sink, *google.SheetsMirror, func()) {
	var sinks []worker.Sink
	var closers []func()

	if cfg.RabbitMQ.Enabled {
		publisher, err := notify.DialAMQP(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("rabbitmq init failed, continuing without broker")
		} else {
			sinks = append(sinks, publisher)
			closers = append(closers, func() { _ = publisher.Close() })
		}
	}

	if cfg.Telegram.Enabled {
		bot, err := notify.NewTelegramBot(cfg.Telegram.BotToken, cfg.Telegram.Debug)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without notifications")
		} else {
			sinks = append(sinks, notify.NewTelegramNotifier(bot, cfg.Telegram.AdminChatIDs, calendar, logger))
		}
	}

	var sheets *google.SheetsMirror
	if cfg.Google.Enabled {
		mirror, err := google.NewSheetsMirror(ctx, cfg.Google.CredentialsFile, cfg.Google.SpreadsheetID, cfg.Google.SheetName, calendar)
		if err == nil {
			err = mirror.TestConnection(ctx)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		} else {
			sheets = mirror
			sinks = append(sinks, mirror)
			logger.Info().Msg("google sheets connected")
		}
	}

	return sinks, sheets, func() {
		for _, c := range closers {
			c()
		}
	}
}

// syncSheets rewrites the mirror once from the store and keeps the row cache fresh.
func syncSheets(ctx context.Context, sheets *google.SheetsMirror, engine *service.AllocationService, logger *zerolog.Logger) {
	all, err := engine.ListReservations(ctx, models.ReservationFilter{})
	if err != nil {
		logger.Error().Err(err).Msg("load reservations for sheets sync")
	} else if err := sheets.ReplaceAll(ctx, all); err != nil {
		logger.Error().Err(err).Msg("sheets full sync")
	} else if err := sheets.WarmUpCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("sheets cache warm-up")
	}
	sheets.StartCacheRefresh(ctx, 10*time.Minute)
}

func exportReservations(ctx context.Context, engine *service.AllocationService, resources *service.ResourceService, exporter *export.ExcelExporter, logger *zerolog.Logger) error {
	all, err := engine.ListReservations(ctx, models.ReservationFilter{})
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	list, err := resources.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("list halls: %w", err)
	}
	halls := make(map[string]*models.Resource, len(list))
	for _, h := range list {
		halls[h.ID] = h
	}

	path, err := exporter.Save(all, halls, time.Now())
	if err != nil {
		return fmt.Errorf("export reservations: %w", err)
	}
	logger.Info().Str("path", path).Int("reservations", len(all)).Msg("reservations exported")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
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
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().
		Str("mode", string(cfg.Allocation.Mode)).
		Int("http_port", cfg.API.HTTP.Port).
		Bool("grpc", grpcServer != nil).
		Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

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
