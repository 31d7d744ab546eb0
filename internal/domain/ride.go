package domain

import "time"

// RideStatus represents the current status of a ride request.
type RideStatus string

const (
	RideStatusRequested       RideStatus = "requested"
	RideStatusFindingDriver   RideStatus = "finding_driver"
	RideStatusDriverAssigned  RideStatus = "driver_assigned"
	RideStatusArrivedAtPickup RideStatus = "arrived_at_pickup"
	RideStatusInProgress      RideStatus = "in_progress"
	RideStatusCompleted       RideStatus = "completed"
	RideStatusCancelled       RideStatus = "cancelled"
)

// validTransitions is the ride state machine. Terminal states have no entries.
var validTransitions = map[RideStatus][]RideStatus{
	RideStatusRequested:       {RideStatusFindingDriver, RideStatusDriverAssigned, RideStatusCancelled},
	RideStatusFindingDriver:   {RideStatusDriverAssigned, RideStatusCancelled},
	RideStatusDriverAssigned:  {RideStatusArrivedAtPickup, RideStatusFindingDriver, RideStatusCancelled},
	RideStatusArrivedAtPickup: {RideStatusInProgress},
	RideStatusInProgress:      {RideStatusCompleted},
	RideStatusCompleted:       {},
	RideStatusCancelled:       {},
}

// IsValid reports whether s is one of the known statuses.
func (s RideStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no transition may leave s.
func (s RideStatus) IsTerminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled
}

// IsActive reports whether a ride in status s counts towards the
// one-active-ride-per-student limit.
func (s RideStatus) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// CanTransitionTo checks the state machine for s -> next.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// statusOrder lists every status in lifecycle order.
var statusOrder = []RideStatus{
	RideStatusRequested,
	RideStatusFindingDriver,
	RideStatusDriverAssigned,
	RideStatusArrivedAtPickup,
	RideStatusInProgress,
	RideStatusCompleted,
	RideStatusCancelled,
}

// driverProgressTargets are the statuses the assigned driver sets by
// advancing the trip.
var driverProgressTargets = []RideStatus{
	RideStatusArrivedAtPickup,
	RideStatusInProgress,
	RideStatusCompleted,
}

// ActiveStatuses lists every non-terminal status.
func ActiveStatuses() []RideStatus {
	var out []RideStatus
	for _, s := range statusOrder {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

// PredecessorsOf lists, in lifecycle order, the statuses that may move
// directly to target.
func PredecessorsOf(target RideStatus) []RideStatus {
	var out []RideStatus
	for _, s := range statusOrder {
		if s.CanTransitionTo(target) {
			out = append(out, s)
		}
	}
	return out
}

// AcceptableStatuses are the statuses from which a driver may accept.
func AcceptableStatuses() []RideStatus {
	return PredecessorsOf(RideStatusDriverAssigned)
}

// CancellableStatuses are the statuses from which the student may cancel.
func CancellableStatuses() []RideStatus {
	return PredecessorsOf(RideStatusCancelled)
}

// DriverProgressPredecessor returns the status a ride must be in for the
// assigned driver to move it to target. ok is false for targets a driver
// cannot set through status advancement.
func DriverProgressPredecessor(target RideStatus) (RideStatus, bool) {
	for _, t := range driverProgressTargets {
		if t != target {
			continue
		}
		if from := PredecessorsOf(target); len(from) == 1 {
			return from[0], true
		}
	}
	return "", false
}

// RideRequest is the central ride entity.
type RideRequest struct {
	ID                  string
	StudentID           string
	DriverID            string // empty until a driver accepts
	Pickup              Point
	Dropoff             Point
	PickupAddress       string
	DropoffAddress      string
	Status              RideStatus
	Notes               string
	SpecialRequirements string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CancelledAt         time.Time
}

// HasDriver reports whether a driver is currently assigned.
func (r *RideRequest) HasDriver() bool {
	return r.DriverID != ""
}

// Clone returns a copy of r. Nil stays nil.
func (r *RideRequest) Clone() *RideRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
