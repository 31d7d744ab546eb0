package repository

import (
	"context"
	"time"

	"campusride/internal/domain"
)

// DriverMatch selects how ConditionalUpdate constrains driver_id.
type DriverMatch int

const (
	// DriverAny leaves driver_id unconstrained.
	DriverAny DriverMatch = iota
	// DriverUnassigned requires driver_id IS NULL.
	DriverUnassigned
	// DriverEquals requires driver_id = RideCondition.DriverID.
	DriverEquals
)

// RideCondition are the preconditions a ConditionalUpdate checks atomically.
type RideCondition struct {
	Statuses  []domain.RideStatus // required; current status must be one of these
	Driver    DriverMatch
	DriverID  string // used with DriverEquals
	StudentID string // optional; requires student_id = StudentID
}

// RidePatch are the fields a ConditionalUpdate writes. Status and UpdatedAt
// are always written.
type RidePatch struct {
	Status      domain.RideStatus
	SetDriver   bool // write DriverID (empty clears the column)
	DriverID    string
	CancelledAt time.Time // written when non-zero
	UpdatedAt   time.Time
}

// RideRepository defines the persistence operations for ride requests.
type RideRepository interface {
	// Insert persists a new ride request. It must return
	// ErrActiveRequestExists if the student already owns an active request,
	// enforced atomically by the store.
	Insert(ctx context.Context, ride *domain.RideRequest) error

	// ConditionalUpdate applies patch only if cond holds at write time and
	// returns the updated row. Returns ErrConditionFailed otherwise.
	ConditionalUpdate(ctx context.Context, id string, cond RideCondition, patch RidePatch) (*domain.RideRequest, error)

	// FindByID retrieves a ride request by ID.
	FindByID(ctx context.Context, id string) (*domain.RideRequest, error)

	// FindActiveByStudent returns the student's active request, or nil.
	FindActiveByStudent(ctx context.Context, studentID string) (*domain.RideRequest, error)

	// FindActiveByDriver returns the non-terminal request assigned to the
	// driver, or nil.
	FindActiveByDriver(ctx context.Context, driverID string) (*domain.RideRequest, error)

	// ListByStatus returns up to limit requests in the given statuses that were
	// last updated before the cutoff, oldest first.
	ListByStatus(ctx context.Context, statuses []domain.RideStatus, updatedBefore time.Time, limit int) ([]*domain.RideRequest, error)
}
