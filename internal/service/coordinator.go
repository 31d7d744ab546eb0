package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"campusride/internal/domain"
	"campusride/internal/logging"
	"campusride/internal/observability"
	"campusride/internal/redis"
	"campusride/internal/repository"
)

const (
	defaultAddressTimeout = 2 * time.Second
	expiryBatchSize       = 100

	// A pickup closer than this to a landmark is labelled with the landmark
	// name alone.
	landmarkSnapMeters = 25.0

	// The change trigger sends the whole row through pg_notify, whose
	// payload must stay under 8000 bytes. These caps keep a ride row well
	// below that even with every rune escaped.
	MaxNotesLength               = 500
	MaxSpecialRequirementsLength = 250
)

// AreaChecker reports whether a point lies inside the service area.
type AreaChecker interface {
	Contains(p domain.Point) bool
}

// AddressResolver produces a human-readable reference for a coordinate.
type AddressResolver interface {
	ResolveNearestReference(ctx context.Context, p domain.Point) (*domain.AddressReference, error)
}

// CoordinatorConfig tunes the ride lifecycle coordinator.
type CoordinatorConfig struct {
	// RequestTTL cancels requests left in requested or finding_driver longer
	// than this. Zero disables expiry.
	RequestTTL     time.Duration
	AddressTimeout time.Duration
}

// Coordinator owns every ride status transition. Each transition is a
// single conditional update; a failed update is classified by re-reading
// the row.
type Coordinator struct {
	rides      repository.RideRepository
	area       AreaChecker
	addresses  AddressResolver
	exclusions redis.ExclusionStoreInterface
	cfg        CoordinatorConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewCoordinator creates a new Coordinator. addresses and exclusions may be nil.
func NewCoordinator(
	rides repository.RideRepository,
	area AreaChecker,
	addresses AddressResolver,
	exclusions redis.ExclusionStoreInterface,
	cfg CoordinatorConfig,
	logger *slog.Logger,
) *Coordinator {
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = defaultAddressTimeout
	}
	return &Coordinator{
		rides:      rides,
		area:       area,
		addresses:  addresses,
		exclusions: exclusions,
		cfg:        cfg,
		now:        time.Now,
		logger:     logging.OrDiscard(logger),
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// CreateRideRequest contains the parameters for creating a ride.
type CreateRideRequest struct {
	StudentID           string
	Pickup              domain.Point
	Dropoff             domain.Point
	Notes               string
	SpecialRequirements string
}

// CreateRequest validates the trip and inserts a new request in status
// requested. The store rejects a second active request for the student even
// when two calls race past the pre-check.
func (c *Coordinator) CreateRequest(ctx context.Context, req CreateRideRequest) (*domain.RideRequest, error) {
	if err := c.validateCreateRequest(req); err != nil {
		return nil, err
	}

	existing, err := c.rides.FindActiveByStudent(ctx, req.StudentID)
	if err != nil {
		return nil, upstream(err)
	}
	if existing != nil {
		c.conflict("create", "active_request_exists")
		return nil, ErrActiveRequestExists
	}

	now := c.now()
	ride := &domain.RideRequest{
		ID:                  uuid.New().String(),
		StudentID:           req.StudentID,
		Pickup:              req.Pickup,
		Dropoff:             req.Dropoff,
		PickupAddress:       c.resolveAddress(ctx, req.Pickup),
		DropoffAddress:      c.resolveAddress(ctx, req.Dropoff),
		Status:              domain.RideStatusRequested,
		Notes:               strings.TrimSpace(req.Notes),
		SpecialRequirements: strings.TrimSpace(req.SpecialRequirements),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := c.rides.Insert(ctx, ride); err != nil {
		if errors.Is(err, repository.ErrActiveRequestExists) {
			c.conflict("create", "active_request_exists")
			return nil, ErrActiveRequestExists
		}
		return nil, upstream(err)
	}

	observability.RideTransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	c.logger.Info("ride requested", "ride_id", ride.ID, "student_id", ride.StudentID)
	return ride, nil
}

// CancelRideRequest contains the parameters for cancelling a ride.
type CancelRideRequest struct {
	RideID    string
	StudentID string
	// ExpectedStatus is the status the caller last saw. When set, the cancel
	// only applies if the ride is still in that status, so a cancel issued
	// against a stale view cannot silently override a concurrent accept.
	ExpectedStatus domain.RideStatus
}

// Cancel moves the student's ride to cancelled.
func (c *Coordinator) Cancel(ctx context.Context, req CancelRideRequest) (*domain.RideRequest, error) {
	if req.RideID == "" {
		return nil, ErrInvalidRideID
	}
	if req.StudentID == "" {
		return nil, ErrInvalidStudentID
	}

	statuses := domain.CancellableStatuses()
	if req.ExpectedStatus != "" {
		if !containsStatus(statuses, req.ExpectedStatus) {
			return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, req.ExpectedStatus)
		}
		statuses = []domain.RideStatus{req.ExpectedStatus}
	}

	now := c.now()
	ride, err := c.rides.ConditionalUpdate(ctx, req.RideID,
		repository.RideCondition{Statuses: statuses, StudentID: req.StudentID},
		repository.RidePatch{Status: domain.RideStatusCancelled, CancelledAt: now, UpdatedAt: now},
	)
	if err == nil {
		c.transitioned(ride, "cancelled by student")
		return ride, nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return nil, upstream(err)
	}

	current, err := c.rides.FindByID(ctx, req.RideID)
	if err != nil {
		return nil, c.readFailure(err)
	}
	switch {
	case current.StudentID != req.StudentID:
		c.conflict("cancel", "forbidden")
		return nil, ErrForbidden
	case containsStatus(domain.CancellableStatuses(), current.Status):
		c.conflict("cancel", "stale")
		return current, fmt.Errorf("%w: ride is %s: %w", ErrInvalidTransition, current.Status, ErrStaleData)
	default:
		c.conflict("cancel", "invalid_transition")
		return current, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
	}
}

// Accept assigns driverID to an open ride. At most one concurrent accept
// wins; the rest get ErrAlreadyAssigned. Repeating an accept that already
// won returns the ride unchanged.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (*domain.RideRequest, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	if c.exclusions != nil {
		declined, err := c.exclusions.IsDeclined(ctx, rideID, driverID)
		if err != nil {
			return nil, upstream(err)
		}
		if declined {
			c.conflict("accept", "declined")
			return nil, fmt.Errorf("%w: driver declined this ride", ErrForbidden)
		}
	}

	ride, err := c.rides.ConditionalUpdate(ctx, rideID,
		repository.RideCondition{Statuses: domain.AcceptableStatuses(), Driver: repository.DriverUnassigned},
		repository.RidePatch{Status: domain.RideStatusDriverAssigned, SetDriver: true, DriverID: driverID, UpdatedAt: c.now()},
	)
	if err == nil {
		c.transitioned(ride, "driver accepted")
		return ride, nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return nil, upstream(err)
	}

	current, err := c.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, c.readFailure(err)
	}
	switch {
	case current.Status == domain.RideStatusDriverAssigned && current.DriverID == driverID:
		return current, nil
	case current.Status.IsTerminal():
		c.conflict("accept", "invalid_transition")
		return nil, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
	default:
		c.conflict("accept", "already_assigned")
		return nil, ErrAlreadyAssigned
	}
}

// Decline releases a ride the driver no longer wants. An assigned ride goes
// back to finding_driver with the driver cleared; an open offer stays as it
// is. Either way the driver is excluded from future offers for this ride.
func (c *Coordinator) Decline(ctx context.Context, rideID, driverID string) (*domain.RideRequest, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	ride, err := c.rides.ConditionalUpdate(ctx, rideID,
		repository.RideCondition{
			Statuses: []domain.RideStatus{domain.RideStatusDriverAssigned},
			Driver:   repository.DriverEquals,
			DriverID: driverID,
		},
		repository.RidePatch{Status: domain.RideStatusFindingDriver, SetDriver: true, DriverID: "", UpdatedAt: c.now()},
	)
	if err == nil {
		c.excludeDriver(ctx, rideID, driverID)
		c.transitioned(ride, "driver declined")
		return ride, nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return nil, upstream(err)
	}

	current, err := c.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, c.readFailure(err)
	}
	switch {
	case containsStatus(domain.AcceptableStatuses(), current.Status) && !current.HasDriver():
		c.excludeDriver(ctx, rideID, driverID)
		return current, nil
	case current.Status.IsTerminal():
		c.conflict("decline", "invalid_transition")
		return nil, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
	case current.DriverID != driverID:
		c.conflict("decline", "forbidden")
		return nil, ErrForbidden
	default:
		c.conflict("decline", "invalid_transition")
		return nil, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
	}
}

// AdvanceStatus moves the assigned driver's ride one step forward. target
// must be arrived_at_pickup, in_progress or completed, and the ride must be
// in the status directly before it.
func (c *Coordinator) AdvanceStatus(ctx context.Context, rideID, driverID string, target domain.RideStatus) (*domain.RideRequest, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	predecessor, ok := domain.DriverProgressPredecessor(target)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a driver progress status", ErrInvalidTransition, target)
	}

	ride, err := c.rides.ConditionalUpdate(ctx, rideID,
		repository.RideCondition{
			Statuses: []domain.RideStatus{predecessor},
			Driver:   repository.DriverEquals,
			DriverID: driverID,
		},
		repository.RidePatch{Status: target, UpdatedAt: c.now()},
	)
	if err == nil {
		c.transitioned(ride, "driver advanced status")
		return ride, nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return nil, upstream(err)
	}

	current, err := c.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, c.readFailure(err)
	}
	switch {
	case current.Status.IsTerminal():
		c.conflict("advance", "invalid_transition")
		return nil, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
	case current.DriverID != driverID:
		c.conflict("advance", "forbidden")
		return nil, ErrForbidden
	default:
		c.conflict("advance", "invalid_transition")
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, target)
	}
}

// BeginMatching marks a new request as being offered to drivers. A ride
// that has already moved on is returned with ErrInvalidTransition.
func (c *Coordinator) BeginMatching(ctx context.Context, rideID string) (*domain.RideRequest, error) {
	ride, err := c.rides.ConditionalUpdate(ctx, rideID,
		repository.RideCondition{
			Statuses: []domain.RideStatus{domain.RideStatusRequested},
			Driver:   repository.DriverUnassigned,
		},
		repository.RidePatch{Status: domain.RideStatusFindingDriver, UpdatedAt: c.now()},
	)
	if err == nil {
		c.transitioned(ride, "matching started")
		return ride, nil
	}
	if !errors.Is(err, repository.ErrConditionFailed) {
		return nil, upstream(err)
	}

	current, err := c.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, c.readFailure(err)
	}
	return current, fmt.Errorf("%w: ride is %s", ErrInvalidTransition, current.Status)
}

// GetRide returns a ride visible to actor: the owning student, the assigned
// driver, or any driver while the ride is open for acceptance.
func (c *Coordinator) GetRide(ctx context.Context, rideID string, actor domain.Principal) (*domain.RideRequest, error) {
	if rideID == "" {
		return nil, ErrInvalidRideID
	}

	ride, err := c.rides.FindByID(ctx, rideID)
	if err != nil {
		return nil, c.readFailure(err)
	}

	switch actor.Role {
	case domain.ActorRoleStudent:
		if ride.StudentID == actor.ID {
			return ride, nil
		}
	case domain.ActorRoleDriver:
		if ride.DriverID == actor.ID || (!ride.HasDriver() && containsStatus(domain.AcceptableStatuses(), ride.Status)) {
			return ride, nil
		}
	}
	return nil, ErrForbidden
}

// GetActiveRide returns the student's non-terminal ride, or nil.
func (c *Coordinator) GetActiveRide(ctx context.Context, studentID string) (*domain.RideRequest, error) {
	if studentID == "" {
		return nil, ErrInvalidStudentID
	}
	ride, err := c.rides.FindActiveByStudent(ctx, studentID)
	if err != nil {
		return nil, upstream(err)
	}
	return ride, nil
}

// GetAssignedRide returns the non-terminal ride assigned to the driver, or nil.
func (c *Coordinator) GetAssignedRide(ctx context.Context, driverID string) (*domain.RideRequest, error) {
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}
	ride, err := c.rides.FindActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, upstream(err)
	}
	return ride, nil
}

// ListOpenRides returns rides still waiting for a driver, oldest first,
// without the ones driverID declined.
func (c *Coordinator) ListOpenRides(ctx context.Context, driverID string, limit int) ([]*domain.RideRequest, error) {
	if driverID == "" {
		return nil, ErrInvalidDriverID
	}

	rides, err := c.rides.ListByStatus(ctx, domain.AcceptableStatuses(), c.now().Add(time.Second), limit)
	if err != nil {
		return nil, upstream(err)
	}

	open := make([]*domain.RideRequest, 0, len(rides))
	for _, ride := range rides {
		if ride.HasDriver() {
			continue
		}
		if c.exclusions != nil {
			declined, err := c.exclusions.IsDeclined(ctx, ride.ID, driverID)
			if err != nil {
				return nil, upstream(err)
			}
			if declined {
				continue
			}
		}
		open = append(open, ride)
	}
	return open, nil
}

// PendingRequests returns rides still in requested that were last touched
// before the cutoff. The dispatcher uses it to pick up requests whose
// change event it missed.
func (c *Coordinator) PendingRequests(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.RideRequest, error) {
	rides, err := c.rides.ListByStatus(ctx, []domain.RideStatus{domain.RideStatusRequested}, updatedBefore, limit)
	if err != nil {
		return nil, upstream(err)
	}
	return rides, nil
}

// ExpireStale cancels requests that have waited for a driver longer than
// the configured TTL. It returns how many were cancelled.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	if c.cfg.RequestTTL <= 0 {
		return 0, nil
	}

	now := c.now()
	stale, err := c.rides.ListByStatus(ctx, domain.AcceptableStatuses(), now.Add(-c.cfg.RequestTTL), expiryBatchSize)
	if err != nil {
		return 0, upstream(err)
	}

	expired := 0
	for _, ride := range stale {
		updated, err := c.rides.ConditionalUpdate(ctx, ride.ID,
			repository.RideCondition{
				Statuses: []domain.RideStatus{ride.Status},
				Driver:   repository.DriverUnassigned,
			},
			repository.RidePatch{Status: domain.RideStatusCancelled, CancelledAt: now, UpdatedAt: now},
		)
		if err != nil {
			if errors.Is(err, repository.ErrConditionFailed) {
				continue
			}
			return expired, upstream(err)
		}
		expired++
		observability.RidesExpiredTotal.Inc()
		c.transitioned(updated, "request expired")
	}
	return expired, nil
}

func (c *Coordinator) validateCreateRequest(req CreateRideRequest) error {
	if req.StudentID == "" {
		return ErrInvalidStudentID
	}
	if !req.Pickup.IsValid() {
		return ErrInvalidPickupLocation
	}
	if !req.Dropoff.IsValid() {
		return ErrInvalidDropoffLocation
	}
	if utf8.RuneCountInString(req.Notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	if utf8.RuneCountInString(req.SpecialRequirements) > MaxSpecialRequirementsLength {
		return ErrSpecialRequirementsTooLong
	}
	if c.area != nil && (!c.area.Contains(req.Pickup) || !c.area.Contains(req.Dropoff)) {
		c.conflict("create", "out_of_service_area")
		return ErrOutOfServiceArea
	}
	return nil
}

// resolveAddress never fails: a slow or broken resolver yields the
// coordinate itself as the label.
func (c *Coordinator) resolveAddress(ctx context.Context, p domain.Point) string {
	if c.addresses == nil {
		return p.String()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.AddressTimeout)
	defer cancel()

	ref, err := c.addresses.ResolveNearestReference(ctx, p)
	if err != nil || ref == nil || ref.Name == "" {
		if err != nil {
			c.logger.Warn("address resolution failed", "point", p.String(), "error", err)
		}
		return p.String()
	}
	if ref.DistanceMeters <= landmarkSnapMeters {
		return ref.Name
	}
	return fmt.Sprintf("%.0fm from %s", ref.DistanceMeters, ref.Name)
}

func (c *Coordinator) excludeDriver(ctx context.Context, rideID, driverID string) {
	if c.exclusions == nil {
		return
	}
	if err := c.exclusions.AddDeclined(ctx, rideID, driverID); err != nil {
		c.logger.Error("record declined driver", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

func (c *Coordinator) readFailure(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return upstream(err)
}

func (c *Coordinator) transitioned(ride *domain.RideRequest, msg string) {
	observability.RideTransitionsTotal.WithLabelValues(string(ride.Status)).Inc()
	c.logger.Info(msg, "ride_id", ride.ID, "status", ride.Status, "driver_id", ride.DriverID)
}

func (c *Coordinator) conflict(op, reason string) {
	observability.RideConflictsTotal.WithLabelValues(op, reason).Inc()
}

func containsStatus(statuses []domain.RideStatus, s domain.RideStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
