package feed

import (
	"context"
	"errors"
	"time"

	"campusride/internal/domain"
)

var (
	// ErrLagged is reported when a subscriber stops draining its events
	// and is disconnected. The subscriber must re-fetch current state.
	ErrLagged = errors.New("subscriber lagged behind the change feed")

	// ErrClosed is returned when subscribing to a feed that has shut down.
	ErrClosed = errors.New("change feed closed")
)

// Op identifies the kind of change carried by an Event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"

	// OpResync carries no row. It tells subscribers that events may have
	// been missed and local state must be reconciled.
	OpResync Op = "resync"
)

// Event is one row-level change to a ride request.
type Event struct {
	ID   string
	Op   Op
	Ride *domain.RideRequest
	At   time.Time
}

// Predicate selects the events a subscriber receives. Resync events are
// always delivered.
type Predicate func(Event) bool

// Subscription is an open stream of change events.
type Subscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	// Err explains why Events was closed. Nil after a clean Close.
	Err() error
	Close() error
}

// Feed is a subscribable stream of ride changes. Delivery is at-least-once
// per row; there is no ordering guarantee across rows.
type Feed interface {
	Subscribe(ctx context.Context, pred Predicate) (Subscription, error)
}

// Publisher accepts change events for delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Publishers fans one event out to several publishers. Every publisher is
// attempted; the errors are joined.
type Publishers []Publisher

// Publish implements Publisher.
func (ps Publishers) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// All matches every event.
func All() Predicate {
	return func(Event) bool { return true }
}

// ForStudent matches changes to the student's own rides.
func ForStudent(studentID string) Predicate {
	return func(ev Event) bool {
		return ev.Ride != nil && ev.Ride.StudentID == studentID
	}
}

// ForDriver matches open requests any driver may accept, plus every change
// to rides assigned to driverID. It also passes the changes that take a ride
// out of the open pool, an assignment to any driver or the cancellation of an
// unassigned ride, so drivers holding it as an offer can withdraw it.
func ForDriver(driverID string) Predicate {
	return func(ev Event) bool {
		if ev.Ride == nil {
			return false
		}
		switch ev.Ride.Status {
		case domain.RideStatusRequested, domain.RideStatusFindingDriver, domain.RideStatusDriverAssigned:
			return true
		case domain.RideStatusCancelled:
			if ev.Ride.DriverID == "" {
				return true
			}
		}
		return ev.Ride.DriverID == driverID
	}
}

// ForRide matches changes to a single ride.
func ForRide(rideID string) Predicate {
	return func(ev Event) bool {
		return ev.Ride != nil && ev.Ride.ID == rideID
	}
}
