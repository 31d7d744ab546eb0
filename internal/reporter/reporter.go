// Package reporter pushes an actor's position to the server on a fixed
// cadence while it is running, and marks the actor offline when stopped.
package reporter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"campusride/internal/domain"
	"campusride/internal/logging"
)

// Position is one sample from a PositionSource.
type Position struct {
	Point   domain.Point
	Heading float64
	Speed   float64
}

// PositionSource yields the actor's current position.
type PositionSource interface {
	Current(ctx context.Context) (Position, error)
}

// Sink receives position reports.
type Sink interface {
	Report(ctx context.Context, p Position) error
	// Offline tells the server the actor stopped reporting.
	Offline(ctx context.Context) error
}

// Config tunes a Reporter.
type Config struct {
	// MinInterval is the sampling period and the minimum gap between reports.
	MinInterval time.Duration
	// Heartbeat re-sends an unchanged position so the server does not
	// consider it stale. It should be below the matcher's freshness window.
	Heartbeat   time.Duration
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 5 * time.Second
	}
	if c.Heartbeat < c.MinInterval {
		c.Heartbeat = 15 * time.Second
		if c.Heartbeat < c.MinInterval {
			c.Heartbeat = c.MinInterval
		}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 3 * time.Second
	}
	return c
}

// Reporter samples a PositionSource and forwards changes to a Sink. Report
// failures are logged and never stop the loop.
type Reporter struct {
	source PositionSource
	sink   Sink
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	last     *Position
	lastSent time.Time
}

// New creates a Reporter.
func New(source PositionSource, sink Sink, cfg Config, logger *slog.Logger) *Reporter {
	return &Reporter{
		source: source,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: logging.OrDiscard(logger),
	}
}

// Start begins reporting in the background. Calling Start on a running
// Reporter does nothing.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		r.loop(ctx)
	}(r.done)
}

// Stop ends reporting and waits until the actor has been marked offline.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reporter) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MinInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.markOffline()
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick takes one sample and reports it unless it repeats the last report
// and the heartbeat is not yet due.
func (r *Reporter) tick(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	pos, err := r.source.Current(callCtx)
	if err != nil {
		r.logger.Warn("position unavailable", "error", err)
		return
	}
	if !pos.Point.IsValid() {
		r.logger.Warn("ignoring invalid position", "point", pos.Point.String())
		return
	}

	now := r.now()
	if r.last != nil && *r.last == pos && now.Sub(r.lastSent) < r.cfg.Heartbeat {
		return
	}

	if err := r.sink.Report(callCtx, pos); err != nil {
		r.logger.Warn("location report failed", "error", err)
		return
	}
	r.last = &pos
	r.lastSent = now
}

func (r *Reporter) markOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout)
	defer cancel()
	if err := r.sink.Offline(ctx); err != nil {
		r.logger.Warn("failed to mark offline", "error", err)
	}
}
