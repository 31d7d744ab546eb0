package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"campusride/internal/apiclient"
	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/service"
)

// StudentAPI is the part of the API a student controller calls.
type StudentAPI interface {
	CreateRide(ctx context.Context, in apiclient.CreateRideInput) (*domain.RideRequest, error)
	CancelRide(ctx context.Context, rideID string, expected domain.RideStatus) (*domain.RideRequest, error)
	GetActiveRide(ctx context.Context) (*domain.RideRequest, error)
	GetRide(ctx context.Context, rideID string) (*domain.RideRequest, error)
}

// ErrNoActiveRide is returned by Cancel when there is nothing to cancel.
var ErrNoActiveRide = errors.New("no active ride")

// StudentController tracks the student's current ride.
type StudentController struct {
	studentID string
	api       StudentAPI
	changes   feed.Feed
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	rides rideTracker
}

// NewStudentController creates a StudentController. notifier may be nil.
func NewStudentController(studentID string, api StudentAPI, changes feed.Feed, notifier Notifier, cfg Config, logger *slog.Logger) *StudentController {
	return &StudentController{
		studentID: studentID,
		api:       api,
		changes:   changes,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrDiscard(logger).With("student_id", studentID),
	}
}

// Current returns a copy of the tracked ride, or nil.
func (c *StudentController) Current() *domain.RideRequest {
	return c.rides.snapshot()
}

// History returns the status changes seen so far.
func (c *StudentController) History() []StatusChange {
	return c.rides.historyCopy()
}

// Apply merges a ride snapshot from the feed or an API response. It reports
// whether the status changed; unchanged or older snapshots are no-ops.
func (c *StudentController) Apply(r *domain.RideRequest) bool {
	if r == nil || r.StudentID != c.studentID {
		return false
	}
	from, changed := c.rides.apply(r)
	if changed && c.notifier != nil {
		c.notifier.Notify(Notice{RideID: r.ID, Status: r.Status, Text: studentText(r, from)})
	}
	return changed
}

// RequestRide creates a ride. If the outcome is unknown it re-queries the
// active ride and returns it when the request did land.
func (c *StudentController) RequestRide(ctx context.Context, in apiclient.CreateRideInput) (*domain.RideRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ride, err := c.api.CreateRide(callCtx, in)
	cancel()

	if err == nil {
		c.Apply(ride)
		return ride, nil
	}

	switch {
	case errors.Is(err, service.ErrActiveRequestExists):
		// The server already holds a ride for us; show it.
		if rerr := c.Reconcile(ctx); rerr != nil {
			c.logger.Warn("reconcile after conflict failed", "error", rerr)
		}
		return nil, err
	case outcomeUnknown(err) && ctx.Err() == nil:
		active, rerr := c.fetchActive(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("create ride outcome unknown: %w", err)
		}
		if active != nil {
			c.Apply(active)
			return active, nil
		}
		return nil, err
	default:
		return nil, err
	}
}

// Cancel cancels the tracked ride, expecting the locally known status. A
// stale or failed cancel re-queries so the view reflects what happened.
func (c *StudentController) Cancel(ctx context.Context) (*domain.RideRequest, error) {
	cur := c.Current()
	if cur == nil || !cur.Status.IsActive() {
		return nil, ErrNoActiveRide
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ride, err := c.api.CancelRide(callCtx, cur.ID, cur.Status)
	cancel()

	if err == nil {
		c.Apply(ride)
		return ride, nil
	}
	if ctx.Err() == nil && (outcomeUnknown(err) ||
		errors.Is(err, service.ErrInvalidTransition) ||
		errors.Is(err, service.ErrStaleData) ||
		errors.Is(err, service.ErrNotFound)) {
		if rerr := c.refresh(ctx, cur.ID); rerr != nil {
			c.logger.Warn("refresh after failed cancel", "ride_id", cur.ID, "error", rerr)
		}
	}
	return nil, err
}

// Reconcile replaces the local view with server state.
func (c *StudentController) Reconcile(ctx context.Context) error {
	active, err := c.fetchActive(ctx)
	if err != nil {
		return err
	}
	if active != nil {
		c.Apply(active)
		return nil
	}

	// No active ride: learn how the tracked one ended.
	cur := c.Current()
	if cur != nil && cur.Status.IsActive() {
		return c.refresh(ctx, cur.ID)
	}
	return nil
}

// Run follows the change feed until ctx is done.
func (c *StudentController) Run(ctx context.Context) error {
	loop := &feedLoop{
		changes:   c.changes,
		pred:      feed.ForStudent(c.studentID),
		reconcile: c.Reconcile,
		apply:     func(r *domain.RideRequest) { c.Apply(r) },
		cfg:       c.cfg,
		logger:    c.logger,
	}
	return loop.run(ctx)
}

func (c *StudentController) fetchActive(ctx context.Context) (*domain.RideRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.api.GetActiveRide(callCtx)
}

func (c *StudentController) refresh(ctx context.Context, rideID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	ride, err := c.api.GetRide(callCtx, rideID)
	if errors.Is(err, service.ErrNotFound) {
		c.rides.clear(rideID)
		return nil
	}
	if err != nil {
		return err
	}
	c.Apply(ride)
	return nil
}
