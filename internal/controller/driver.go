package controller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/service"
)

// DriverAPI is the part of the API a driver controller calls.
type DriverAPI interface {
	ListOpenRides(ctx context.Context, limit int) ([]*domain.RideRequest, error)
	GetAssignedRide(ctx context.Context) (*domain.RideRequest, error)
	GetRide(ctx context.Context, rideID string) (*domain.RideRequest, error)
	AcceptRide(ctx context.Context, rideID string) (*domain.RideRequest, error)
	DeclineRide(ctx context.Context, rideID string) (*domain.RideRequest, error)
	AdvanceStatus(ctx context.Context, rideID string, target domain.RideStatus) (*domain.RideRequest, error)
}

// ErrNoAssignedRide is returned by Advance when the driver has no ride.
var ErrNoAssignedRide = errors.New("no assigned ride")

const openRidesLimit = 50

// DriverController tracks the driver's assigned ride and the open requests
// offered to them.
type DriverController struct {
	driverID string
	api      DriverAPI
	changes  feed.Feed
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	ride rideTracker

	mu       sync.Mutex
	offers   map[string]*domain.RideRequest
	declined map[string]struct{}
}

// NewDriverController creates a DriverController. notifier may be nil.
func NewDriverController(driverID string, api DriverAPI, changes feed.Feed, notifier Notifier, cfg Config, logger *slog.Logger) *DriverController {
	return &DriverController{
		driverID: driverID,
		api:      api,
		changes:  changes,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logging.OrDiscard(logger).With("driver_id", driverID),
		offers:   make(map[string]*domain.RideRequest),
		declined: make(map[string]struct{}),
	}
}

// Current returns a copy of the assigned ride, or nil.
func (c *DriverController) Current() *domain.RideRequest {
	return c.ride.snapshot()
}

// History returns the status changes of assigned rides seen so far.
func (c *DriverController) History() []StatusChange {
	return c.ride.historyCopy()
}

// Offers returns the open requests, oldest first.
func (c *DriverController) Offers() []*domain.RideRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.RideRequest, 0, len(c.offers))
	for _, r := range c.offers {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Apply merges a ride snapshot. It reports whether anything visible
// changed: the assigned ride's status, or the set of offers.
func (c *DriverController) Apply(r *domain.RideRequest) bool {
	if r == nil {
		return false
	}

	if r.DriverID == c.driverID {
		c.dropOffer(r.ID)
		_, changed := c.ride.apply(r)
		if changed && c.notifier != nil {
			c.notifier.Notify(Notice{RideID: r.ID, Status: r.Status, Text: driverText(r)})
		}
		return changed
	}

	// The ride is no longer ours, e.g. after this driver declined it.
	if cur := c.ride.snapshot(); cur != nil && cur.ID == r.ID && !r.UpdatedAt.Before(cur.UpdatedAt) {
		c.ride.clear(r.ID)
		return true
	}

	if r.DriverID == "" && isOpen(r.Status) {
		return c.addOffer(r)
	}
	return c.dropOffer(r.ID)
}

// Accept claims an open ride. Losing the race removes the offer. When the
// outcome is unknown the assigned ride is re-queried.
func (c *DriverController) Accept(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ride, err := c.api.AcceptRide(callCtx, rideID)
	cancel()

	if err == nil {
		c.Apply(ride)
		return ride, nil
	}

	switch {
	case errors.Is(err, service.ErrAlreadyAssigned),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrForbidden):
		if c.dropOffer(rideID) && c.notifier != nil {
			c.notifier.Notify(Notice{RideID: rideID, Text: "Ride is no longer available"})
		}
		return nil, err
	case outcomeUnknown(err) && ctx.Err() == nil:
		assigned, rerr := c.fetchAssigned(ctx)
		if rerr == nil && assigned != nil && assigned.ID == rideID {
			c.Apply(assigned)
			return assigned, nil
		}
		return nil, err
	default:
		return nil, err
	}
}

// Decline refuses an offer or hands back the assigned ride. The ride is
// not offered to this driver again.
func (c *DriverController) Decline(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ride, err := c.api.DeclineRide(callCtx, rideID)
	cancel()

	if err != nil {
		if ctx.Err() == nil && (outcomeUnknown(err) || errors.Is(err, service.ErrInvalidTransition)) {
			if rerr := c.Reconcile(ctx); rerr != nil {
				c.logger.Warn("reconcile after failed decline", "ride_id", rideID, "error", rerr)
			}
		}
		return nil, err
	}

	c.mu.Lock()
	c.declined[rideID] = struct{}{}
	delete(c.offers, rideID)
	c.mu.Unlock()
	c.ride.clear(rideID)
	return ride, nil
}

// Advance moves the assigned ride to target.
func (c *DriverController) Advance(ctx context.Context, target domain.RideStatus) (*domain.RideRequest, error) {
	cur := c.Current()
	if cur == nil || !cur.Status.IsActive() {
		return nil, ErrNoAssignedRide
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	ride, err := c.api.AdvanceStatus(callCtx, cur.ID, target)
	cancel()

	if err == nil {
		c.Apply(ride)
		return ride, nil
	}
	if ctx.Err() == nil && (outcomeUnknown(err) ||
		errors.Is(err, service.ErrInvalidTransition) ||
		errors.Is(err, service.ErrForbidden)) {
		if rerr := c.refresh(ctx, cur.ID); rerr != nil {
			c.logger.Warn("refresh after failed advance", "ride_id", cur.ID, "error", rerr)
		}
	}
	return nil, err
}

// Reconcile replaces the local view with server state.
func (c *DriverController) Reconcile(ctx context.Context) error {
	assigned, err := c.fetchAssigned(ctx)
	if err != nil {
		return err
	}
	if assigned != nil {
		c.Apply(assigned)
	} else if cur := c.Current(); cur != nil && cur.Status.IsActive() {
		if err := c.refresh(ctx, cur.ID); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	open, err := c.api.ListOpenRides(callCtx, openRidesLimit)
	cancel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.offers = make(map[string]*domain.RideRequest, len(open))
	for _, r := range open {
		if _, ok := c.declined[r.ID]; !ok {
			c.offers[r.ID] = r.Clone()
		}
	}
	c.mu.Unlock()
	return nil
}

// Run follows the change feed until ctx is done.
func (c *DriverController) Run(ctx context.Context) error {
	loop := &feedLoop{
		changes:   c.changes,
		pred:      feed.ForDriver(c.driverID),
		reconcile: c.Reconcile,
		apply:     func(r *domain.RideRequest) { c.Apply(r) },
		cfg:       c.cfg,
		logger:    c.logger,
	}
	return loop.run(ctx)
}

func (c *DriverController) addOffer(r *domain.RideRequest) bool {
	c.mu.Lock()
	if _, ok := c.declined[r.ID]; ok {
		c.mu.Unlock()
		return false
	}
	prev, seen := c.offers[r.ID]
	if seen && r.UpdatedAt.Before(prev.UpdatedAt) {
		c.mu.Unlock()
		return false
	}
	c.offers[r.ID] = r.Clone()
	c.mu.Unlock()

	if !seen && c.notifier != nil {
		c.notifier.Notify(Notice{RideID: r.ID, Status: r.Status, Text: "New ride request from " + r.PickupAddress})
	}
	return !seen
}

func (c *DriverController) dropOffer(rideID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.offers[rideID]; !ok {
		return false
	}
	delete(c.offers, rideID)
	return true
}

func (c *DriverController) fetchAssigned(ctx context.Context) (*domain.RideRequest, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return c.api.GetAssignedRide(callCtx)
}

func (c *DriverController) refresh(ctx context.Context, rideID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	ride, err := c.api.GetRide(callCtx, rideID)
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrForbidden):
		// Forbidden: the ride was handed back and is no longer visible to us.
		c.ride.clear(rideID)
		return nil
	case err != nil:
		return err
	}
	c.Apply(ride)
	return nil
}

func isOpen(s domain.RideStatus) bool {
	for _, open := range domain.AcceptableStatuses() {
		if s == open {
			return true
		}
	}
	return false
}
