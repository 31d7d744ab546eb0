package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/redis"
	"campusride/internal/retry"
)

const (
	sweeperLockName = "dispatch:sweeper"
	offerLockTTL    = time.Minute
)

// DispatchConfig tunes the dispatcher and the expiry sweeper.
type DispatchConfig struct {
	SweepInterval time.Duration
	// RedispatchAfter is how long a ride may sit in requested before the
	// sweeper assumes its change event was missed.
	RedispatchAfter time.Duration
}

// DispatchService reacts to ride changes: it moves new requests into
// matching, offers open rides to nearby drivers, and tells students about
// status changes. A lock per ride version keeps several instances from
// sending the same offer twice.
type DispatchService struct {
	coordinator *Coordinator
	matcher     *MatchingService
	notifier    *NotificationService
	changes     feed.Feed
	locks       redis.LockStoreInterface
	cfg         DispatchConfig
	logger      *slog.Logger
}

// NewDispatchService creates a new DispatchService. locks may be nil for a
// single instance.
func NewDispatchService(
	coordinator *Coordinator,
	matcher *MatchingService,
	notifier *NotificationService,
	changes feed.Feed,
	locks redis.LockStoreInterface,
	cfg DispatchConfig,
	logger *slog.Logger,
) *DispatchService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RedispatchAfter <= 0 {
		cfg.RedispatchAfter = cfg.SweepInterval
	}
	return &DispatchService{
		coordinator: coordinator,
		matcher:     matcher,
		notifier:    notifier,
		changes:     changes,
		locks:       locks,
		cfg:         cfg,
		logger:      logging.OrDiscard(logger),
	}
}

// Run consumes the change feed until ctx is done, resubscribing with
// backoff whenever the subscription drops.
func (d *DispatchService) Run(ctx context.Context) error {
	backoff := &retry.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}

	for {
		sub, err := d.changes.Subscribe(ctx, feed.All())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn("dispatcher subscribe failed", "error", err)
			if !backoff.Sleep(ctx) {
				return nil
			}
			continue
		}
		backoff.Reset()
		d.redispatchPending(ctx, time.Now())

		for ev := range sub.Events() {
			d.Handle(ctx, ev)
		}
		_ = sub.Close()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(sub.Err(), feed.ErrClosed) {
			return sub.Err()
		}
		d.logger.Warn("dispatcher subscription ended", "error", sub.Err())
	}
}

// Handle processes one change event.
func (d *DispatchService) Handle(ctx context.Context, ev feed.Event) {
	if ev.Op == feed.OpResync {
		d.redispatchPending(ctx, time.Now())
		return
	}
	ride := ev.Ride
	if ride == nil {
		return
	}

	switch ride.Status {
	case domain.RideStatusRequested:
		if _, err := d.coordinator.BeginMatching(ctx, ride.ID); err != nil && !errors.Is(err, ErrInvalidTransition) {
			d.logger.Error("begin matching", "ride_id", ride.ID, "error", err)
		}
	case domain.RideStatusFindingDriver:
		if !d.claim(ctx, ride, "offer") {
			return
		}
		d.offer(ctx, ride)
		d.notifyStudent(ctx, ride)
	default:
		if !d.claim(ctx, ride, "notify") {
			return
		}
		d.notifyStudent(ctx, ride)
	}
}

// RunSweeper periodically expires stale requests and re-dispatches missed
// ones. Only the instance holding the sweeper lock does the work.
func (d *DispatchService) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.locks != nil {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = d.locks.Release(releaseCtx, sweeperLockName)
				cancel()
			}
			return nil
		case now := <-ticker.C:
			d.Sweep(ctx, now)
		}
	}
}

// Sweep runs one expiry pass if this instance wins the sweeper lock.
func (d *DispatchService) Sweep(ctx context.Context, now time.Time) {
	if d.locks != nil {
		ok, err := d.locks.Acquire(ctx, sweeperLockName, sweeperLockTTL(d.cfg.SweepInterval))
		if err != nil {
			d.logger.Warn("sweeper lock", "error", err)
			return
		}
		if !ok {
			return
		}
	}

	expired, err := d.coordinator.ExpireStale(ctx)
	if err != nil {
		d.logger.Error("expire stale requests", "error", err)
	}
	if expired > 0 {
		d.logger.Info("expired stale requests", "count", expired)
	}
	d.redispatchPending(ctx, now.Add(-d.cfg.RedispatchAfter))
}

// sweeperLockTTL is a little shorter than the sweep interval, so the lock
// taken on one tick has expired by the next one.
func sweeperLockTTL(interval time.Duration) time.Duration {
	margin := interval / 10
	if margin > time.Second {
		margin = time.Second
	}
	return interval - margin
}

func (d *DispatchService) redispatchPending(ctx context.Context, updatedBefore time.Time) {
	pending, err := d.coordinator.PendingRequests(ctx, updatedBefore, expiryBatchSize)
	if err != nil {
		d.logger.Warn("list pending requests", "error", err)
		return
	}
	for _, ride := range pending {
		d.Handle(ctx, feed.Event{Op: feed.OpUpdate, Ride: ride, At: time.Now()})
	}
}

func (d *DispatchService) offer(ctx context.Context, ride *domain.RideRequest) {
	candidates, err := d.matcher.CandidatesForRide(ctx, ride)
	if err != nil {
		d.logger.Error("find candidates", "ride_id", ride.ID, "error", err)
		return
	}
	if len(candidates) == 0 {
		d.logger.Info("no drivers nearby", "ride_id", ride.ID)
		return
	}
	if err := d.notifier.NotifyRideOffered(ctx, ride, candidates); err != nil {
		d.logger.Warn("notify candidates", "ride_id", ride.ID, "error", err)
	}
}

func (d *DispatchService) notifyStudent(ctx context.Context, ride *domain.RideRequest) {
	if err := d.notifier.NotifyStatusChanged(ctx, ride); err != nil {
		d.logger.Warn("notify student", "ride_id", ride.ID, "error", err)
	}
}

// claim reports whether this instance should act on this version of the
// ride. Without a lock store every call claims.
func (d *DispatchService) claim(ctx context.Context, ride *domain.RideRequest, action string) bool {
	if d.locks == nil {
		return true
	}
	name := fmt.Sprintf("%s:%s:%s:%d", action, ride.ID, ride.Status, ride.UpdatedAt.UnixNano())
	ok, err := d.locks.Acquire(ctx, name, offerLockTTL)
	if err != nil {
		d.logger.Warn("dispatch lock", "ride_id", ride.ID, "error", err)
		return true
	}
	return ok
}
