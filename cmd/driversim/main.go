// Command driversim runs a simulated driver against a campusride API: it
// drives a loop between campus landmarks, reports its position, accepts the
// oldest open request and walks each ride through to completion.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"campusride/internal/apiclient"
	"campusride/internal/config"
	"campusride/internal/controller"
	"campusride/internal/domain"
	"campusride/internal/geocode"
	"campusride/internal/ingest"
	"campusride/internal/logging"
	"campusride/internal/reporter"
	"campusride/internal/service"
)

func main() {
	var (
		apiURL    = flag.String("api", "http://localhost:8080", "campusride API base URL")
		driverID  = flag.String("driver", "", "driver id (random when empty)")
		interval  = flag.Duration("interval", 5*time.Second, "location report interval")
		speed     = flag.Float64("speed", 8, "simulated speed in meters per second")
		stepDelay = flag.Duration("step", 20*time.Second, "time spent in each ride stage")
		viaKafka  = flag.Bool("kafka", false, "publish locations to KAFKA_BROKERS instead of the API")
	)
	flag.Parse()

	cfg := config.Load()
	logger := logging.NewLogger(cfg.Log.Level)

	if *driverID == "" {
		*driverID = "sim-" + uuid.NewString()[:8]
	}
	logger = logger.With("driver_id", *driverID)

	landmarks, err := geocode.ParseLandmarks(cfg.ServiceArea.Landmarks)
	if err != nil {
		logger.Error("invalid LANDMARKS", "error", err)
		os.Exit(1)
	}
	waypoints := make([]domain.Point, 0, len(landmarks))
	for _, l := range landmarks {
		waypoints = append(waypoints, l.Point)
	}
	route, err := reporter.NewRouteSource(waypoints, *speed, nil)
	if err != nil {
		logger.Error("cannot build route", "error", err)
		os.Exit(1)
	}

	principal := domain.Principal{ID: *driverID, Role: domain.ActorRoleDriver}
	client := apiclient.New(*apiURL, principal)
	changes := apiclient.NewFeedClient(*apiURL, principal, 3*cfg.Feed.PingInterval, logger)

	var sink reporter.Sink = reporter.NewDriverSink(client)
	if *viaKafka {
		if !cfg.Kafka.Enabled() {
			logger.Error("-kafka needs KAFKA_BROKERS")
			os.Exit(1)
		}
		producer := ingest.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.LocationTopic)
		defer producer.Close()
		sink = &kafkaSink{producer: producer, client: client, driverID: *driverID}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := reporter.New(route, sink, reporter.Config{MinInterval: *interval}, logger)
	rep.Start(ctx)
	defer rep.Stop()

	ctrl := controller.NewDriverController(*driverID, client, changes, controller.LogNotifier{Logger: logger}, controller.Config{}, logger)
	go func() {
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("feed loop stopped", "error", err)
		}
	}()

	logger.Info("driver simulator started", "api", *apiURL, "kafka", *viaKafka)
	drive(ctx, ctrl, *stepDelay, logger)
	logger.Info("driver simulator stopped")
}

// drive accepts work and advances the current ride one stage per step.
func drive(ctx context.Context, ctrl *controller.DriverController, step time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := ctrl.Current()
		if cur != nil && cur.Status.IsActive() {
			next, ok := nextStage(cur.Status)
			if !ok {
				continue
			}
			if _, err := ctrl.Advance(ctx, next); err != nil {
				logger.Warn("advance failed", "ride_id", cur.ID, "target", next, "error", err)
			}
			continue
		}

		for _, offer := range ctrl.Offers() {
			_, err := ctrl.Accept(ctx, offer.ID)
			if err == nil {
				break
			}
			if !errors.Is(err, service.ErrAlreadyAssigned) && !errors.Is(err, service.ErrInvalidTransition) {
				logger.Warn("accept failed", "ride_id", offer.ID, "error", err)
				break
			}
		}
	}
}

func nextStage(s domain.RideStatus) (domain.RideStatus, bool) {
	switch s {
	case domain.RideStatusDriverAssigned:
		return domain.RideStatusArrivedAtPickup, true
	case domain.RideStatusArrivedAtPickup:
		return domain.RideStatusInProgress, true
	case domain.RideStatusInProgress:
		return domain.RideStatusCompleted, true
	default:
		return "", false
	}
}

// kafkaSink publishes positions to the driver-locations topic and goes
// offline through the API.
type kafkaSink struct {
	producer *ingest.Producer
	client   *apiclient.Client
	driverID string
}

func (k *kafkaSink) Report(ctx context.Context, p reporter.Position) error {
	return k.producer.Publish(ctx, ingest.LocationMessage{
		DriverID: k.driverID,
		Lat:      p.Point.Lat,
		Lng:      p.Point.Lng,
		Heading:  p.Heading,
		Speed:    p.Speed,
	})
}

func (k *kafkaSink) Offline(ctx context.Context) error {
	return k.client.GoOffline(ctx)
}
