package controller

import (
	"context"
	"log/slog"

	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/retry"
)

// feedLoop keeps a subscription open until ctx is done. After every
// (re)subscribe it reconciles, so events missed while disconnected are
// recovered from current state rather than replayed.
type feedLoop struct {
	changes   feed.Feed
	pred      feed.Predicate
	reconcile func(ctx context.Context) error
	apply     func(r *domain.RideRequest)
	cfg       Config
	logger    *slog.Logger
}

func (l *feedLoop) run(ctx context.Context) error {
	backoff := &retry.Backoff{Min: l.cfg.MinBackoff, Max: l.cfg.MaxBackoff, Jitter: 0.2}

	for {
		sub, err := l.changes.Subscribe(ctx, l.pred)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("feed subscribe failed", "error", err)
			if !backoff.Sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := l.reconcile(ctx); err != nil {
			l.logger.Warn("reconcile after subscribe failed", "error", err)
		}

		err = l.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// Delivered at least one event before dropping.
			backoff.Reset()
		}
		l.logger.Info("feed disconnected, reconnecting", "error", sub.Err())
		if !backoff.Sleep(ctx) {
			return ctx.Err()
		}
	}
}

// consume drains sub. It returns nil if any event arrived, so a connection
// that worked for a while reconnects quickly.
func (l *feedLoop) consume(ctx context.Context, sub feed.Subscription) error {
	received := false
	for ev := range sub.Events() {
		received = true
		if ev.Op == feed.OpResync || ev.Ride == nil {
			if err := l.reconcile(ctx); err != nil {
				l.logger.Warn("reconcile on resync failed", "error", err)
			}
			continue
		}
		l.apply(ev.Ride)
	}
	if received {
		return nil
	}
	return sub.Err()
}
