package service

import "errors"

// Machine-readable error codes carried in API error bodies. Clients map
// them back to the sentinels with ErrorForCode so errors.Is keeps working
// across the wire.
const (
	CodeOutOfServiceArea    = "out_of_service_area"
	CodeActiveRequestExists = "active_request_exists"
	CodeNotFound            = "not_found"
	CodeForbidden           = "forbidden"
	CodeInvalidTransition   = "invalid_transition"
	CodeAlreadyAssigned     = "already_assigned"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeStaleData           = "stale_data"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal"
)

var codeErrors = []struct {
	code string
	err  error
}{
	// Stale data is checked before invalid transition: a stale cancel
	// carries both.
	{CodeStaleData, ErrStaleData},
	{CodeOutOfServiceArea, ErrOutOfServiceArea},
	{CodeActiveRequestExists, ErrActiveRequestExists},
	{CodeNotFound, ErrNotFound},
	{CodeForbidden, ErrForbidden},
	{CodeInvalidTransition, ErrInvalidTransition},
	{CodeAlreadyAssigned, ErrAlreadyAssigned},
	{CodeUpstreamUnavailable, ErrUpstreamUnavailable},
}

var validationErrors = []error{
	ErrInvalidStudentID,
	ErrInvalidDriverID,
	ErrInvalidRideID,
	ErrInvalidPickupLocation,
	ErrInvalidDropoffLocation,
	ErrInvalidLocation,
	ErrInvalidRadius,
	ErrNotesTooLong,
	ErrSpecialRequirementsTooLong,
}

// ErrorCode classifies err.
func ErrorCode(err error) string {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	if IsValidationError(err) {
		return CodeInvalidRequest
	}
	return CodeInternal
}

// ErrorForCode returns the sentinel for code, or nil for codes without one.
func ErrorForCode(code string) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return nil
}

// IsValidationError reports whether err is a malformed-input error.
func IsValidationError(err error) bool {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
