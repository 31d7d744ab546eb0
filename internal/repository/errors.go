package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrActiveRequestExists is returned by Insert when the student already
	// owns a non-terminal ride request.
	ErrActiveRequestExists = errors.New("student already has an active ride request")

	// ErrConditionFailed is returned by ConditionalUpdate when no row matched
	// the update preconditions.
	ErrConditionFailed = errors.New("conditional update matched no rows")
)
