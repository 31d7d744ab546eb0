package service

import (
	"errors"
	"fmt"

	"campusride/internal/repository"
)

var (
	// ErrOutOfServiceArea is returned when a pickup or drop-off lies outside campus.
	ErrOutOfServiceArea = errors.New("location outside service area")

	// ErrActiveRequestExists is returned when the student already has a non-terminal ride.
	ErrActiveRequestExists = repository.ErrActiveRequestExists

	// ErrNotFound is returned when the ride does not exist.
	ErrNotFound = repository.ErrNotFound

	// ErrForbidden is returned when the actor may not act on the ride.
	ErrForbidden = errors.New("actor not permitted on this ride")

	// ErrInvalidTransition is returned when the ride's current status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyAssigned is returned when another driver accepted first.
	ErrAlreadyAssigned = errors.New("ride already assigned")

	// ErrUpstreamUnavailable wraps storage, cache and network failures.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStaleData is returned when the caller's view of the ride is out of date.
	ErrStaleData = errors.New("stale ride data")

	// ErrInvalidStudentID is returned when student ID is empty.
	ErrInvalidStudentID = errors.New("invalid student id")

	// ErrInvalidDriverID is returned when driver ID is empty.
	ErrInvalidDriverID = errors.New("invalid driver id")

	// ErrInvalidRideID is returned when ride ID is empty.
	ErrInvalidRideID = errors.New("invalid ride id")

	// ErrInvalidPickupLocation is returned when pickup coordinates are invalid.
	ErrInvalidPickupLocation = errors.New("invalid pickup location")

	// ErrInvalidDropoffLocation is returned when drop-off coordinates are invalid.
	ErrInvalidDropoffLocation = errors.New("invalid dropoff location")

	// ErrInvalidLocation is returned when location coordinates are invalid.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrNotesTooLong is returned when ride notes exceed MaxNotesLength.
	ErrNotesTooLong = errors.New("ride notes too long")

	// ErrSpecialRequirementsTooLong is returned when special requirements
	// exceed MaxSpecialRequirementsLength.
	ErrSpecialRequirementsTooLong = errors.New("special requirements too long")

	// ErrInvalidRadius is returned when a search radius is not positive.
	ErrInvalidRadius = errors.New("invalid search radius")
)

// upstream marks err as an upstream failure while keeping it inspectable.
func upstream(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
