package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/redis/go-redis/v9"

	"campusride/internal/app"
	"campusride/internal/config"
	"campusride/internal/feed"
	"campusride/internal/geocode"
	"campusride/internal/handler"
	"campusride/internal/logging"
	"campusride/internal/middleware"
	internalRedis "campusride/internal/redis"
	"campusride/internal/repository"
	"campusride/internal/repository/postgres"
	"campusride/internal/service"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Initialize New Relic FIRST so the database and Redis are instrumented.
	var nrApp *newrelic.Application
	if cfg.NewRelic.Enabled {
		var err error
		nrApp, err = newrelic.NewApplication(
			newrelic.ConfigAppName(cfg.NewRelic.AppName),
			newrelic.ConfigLicense(cfg.NewRelic.LicenseKey),
			newrelic.ConfigDistributedTracerEnabled(true),
			newrelic.ConfigAppLogForwardingEnabled(true),
		)
		if err != nil {
			logger.Warn("failed to initialize New Relic", "error", err)
			nrApp = nil
		} else {
			logger.Info("New Relic enabled", "app", cfg.NewRelic.AppName)
			defer nrApp.Shutdown(5 * time.Second)
		}
	}

	db, err := app.NewDatabase(startupCtx, cfg.Database, nrApp, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to PostgreSQL")

	redisClient, err := app.NewRedisClient(startupCtx, cfg.Redis, nrApp)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	srv, err := wireServer(db, redisClient, nrApp, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var wg sync.WaitGroup
	for _, w := range srv.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "worker", w.name, "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stopWorkers()
			wg.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Open feed connections are hijacked and ignored by Shutdown; closing
	// the hub ends them.
	srv.hub.Close()
	shutdownErr := srv.http.Shutdown(shutdownCtx)

	stopWorkers()
	wg.Wait()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	return nil
}

// worker is a background loop started alongside the HTTP server.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

type server struct {
	http    *http.Server
	hub     *feed.Hub
	workers []worker
	closers []func() error
}

func (s *server) close() {
	for _, c := range s.closers {
		_ = c()
	}
}

// wireServer wires all dependencies and returns the HTTP server together
// with the background workers it needs.
func wireServer(db *sql.DB, redisClient *redis.Client, nrApp *newrelic.Application, cfg *config.Config, logger *slog.Logger) (*server, error) {
	area, err := cfg.ServiceArea.Area()
	if err != nil {
		return nil, fmt.Errorf("service area: %w", err)
	}
	landmarks, err := geocode.ParseLandmarks(cfg.ServiceArea.Landmarks)
	if err != nil {
		return nil, fmt.Errorf("landmarks: %w", err)
	}

	// Initialize Redis stores.
	instanceID := instanceName()
	lockStore := internalRedis.NewLockStore(redisClient, instanceID)
	cacheStore := internalRedis.NewCacheStore(redisClient)
	exclusionStore := internalRedis.NewExclusionStore(redisClient, cfg.Dispatch.DeclineTTL)

	var locationStore repository.LocationStore
	switch cfg.Location.Store {
	case config.LocationStorePostgres:
		locationStore = postgres.NewLocationRepository(db)
	default:
		locationStore = internalRedis.NewLocationStore(redisClient)
	}

	// Initialize repositories.
	rideRepo := postgres.NewRideRepository(db)

	// Change feed: Postgres notifications fan out to local subscribers and,
	// when configured, to Kafka.
	hub := feed.NewHub(cfg.Feed.SubscriberBuffer, logger)
	publishers := feed.Publishers{hub}
	var closers []func() error
	if cfg.Kafka.Enabled() {
		sink := feed.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.RideEventTopic, logger)
		publishers = append(publishers, sink)
		closers = append(closers, sink.Close)
		logger.Info("forwarding ride events to kafka", "topic", cfg.Kafka.RideEventTopic)
	}
	source := feed.NewPGSource(cfg.Database.DSN(), publishers, cfg.Feed.MinReconnectInterval, cfg.Feed.MaxReconnectInterval, logger)

	// Initialize services.
	resolver := geocode.NewLandmarkResolver(landmarks, cacheStore, logger)
	coordinator := service.NewCoordinator(rideRepo, area, resolver, exclusionStore, service.CoordinatorConfig{
		RequestTTL:     cfg.Dispatch.RequestTTL,
		AddressTimeout: cfg.Dispatch.AddressTimeout,
	}, logger)
	matchingService := service.NewMatchingService(locationStore, exclusionStore, service.MatchingConfig{
		SearchRadiusMeters: cfg.Dispatch.SearchRadiusMeters,
		MaxResults:         cfg.Dispatch.MaxResults,
		Freshness:          cfg.Dispatch.Freshness,
	}, logger)
	locationService := service.NewLocationService(locationStore, area, logger)
	notificationService := service.NewNotificationService(nil, logger)
	dispatchService := service.NewDispatchService(coordinator, matchingService, notificationService, hub, lockStore, service.DispatchConfig{
		SweepInterval: cfg.Dispatch.SweepInterval,
	}, logger)

	// Initialize handlers.
	router := app.NewRouter(app.RouterDeps{
		RideHandler:    handler.NewRideHandler(coordinator),
		DriverHandler:  handler.NewDriverHandler(locationService, matchingService, coordinator),
		StudentHandler: handler.NewStudentHandler(locationService),
		FeedHandler:    handler.NewFeedHandler(hub, cfg.Feed.WriteTimeout, cfg.Feed.PingInterval, logger),
		ResponseCache:  middleware.NewRedisResponseCache(redisClient),
		NewRelicApp:    nrApp,
	})

	return &server{
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		hub: hub,
		workers: []worker{
			{name: "change-feed", run: source.Run},
			{name: "dispatcher", run: dispatchService.Run},
			{name: "sweeper", run: dispatchService.RunSweeper},
		},
		closers: closers,
	}, nil
}

// instanceName identifies this process as a lock owner.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "campusride"
	}
	return host + "-" + uuid.NewString()[:8]
}
