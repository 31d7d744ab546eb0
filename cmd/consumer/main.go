package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusride/internal/app"
	"campusride/internal/config"
	"campusride/internal/ingest"
	"campusride/internal/logging"
	internalRedis "campusride/internal/redis"
	"campusride/internal/repository"
	"campusride/internal/repository/postgres"
	"campusride/internal/service"
)

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics and health on")
	flag.Parse()

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if !cfg.Kafka.Enabled() {
		logger.Error("KAFKA_BROKERS is required for the location consumer")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, metricsAddr, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("consumer exited")
}

func run(ctx context.Context, cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	area, err := cfg.ServiceArea.Area()
	if err != nil {
		return err
	}

	var (
		store repository.LocationStore
		ready func(context.Context) error
	)
	switch cfg.Location.Store {
	case config.LocationStorePostgres:
		db, err := app.NewDatabase(startupCtx, cfg.Database, nil, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		store = postgres.NewLocationRepository(db)
		ready = db.PingContext
	default:
		rc, err := app.NewRedisClient(startupCtx, cfg.Redis, nil)
		if err != nil {
			return err
		}
		defer rc.Close()
		store = internalRedis.NewLocationStore(rc)
		ready = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}

	locations := service.NewLocationService(store, area, logger)

	reader := ingest.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic, cfg.Kafka.ConsumerGroup)
	defer reader.Close()
	consumer := ingest.NewConsumer(reader, locations, ingest.ConsumerConfig{}, logger)

	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsRouter(ready)}
	go func() {
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("consumer listening",
		"topic", cfg.Kafka.LocationTopic,
		"brokers", cfg.Kafka.Brokers,
		"group", cfg.Kafka.ConsumerGroup,
		"store", cfg.Location.Store,
	)
	return consumer.Run(ctx)
}

func metricsRouter(ready func(context.Context) error) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "location store not ready")
			return
		}
		c.String(http.StatusOK, "ready")
	})
	return router
}
