package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/api"
	"campusride/internal/service"
)

// ErrorResponse represents an error response.
type ErrorResponse = api.ErrorBody

// respondError sends an error response with the appropriate HTTP status code.
func respondError(c *gin.Context, err error) {
	code := mapErrorToHTTPStatus(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(code, ErrorResponse{Error: err.Error(), Code: service.ErrorCode(err)})
}

// respondBadRequest sends a 400 for an unparseable body or query.
func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: service.CodeInvalidRequest})
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(c *gin.Context, code int, data any) {
	c.JSON(code, data)
}

// mapErrorToHTTPStatus maps service/repository errors to HTTP status codes.
func mapErrorToHTTPStatus(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound

	// Validation errors - Bad Request
	case service.IsValidationError(err):
		return http.StatusBadRequest

	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden

	// Conflict errors
	case errors.Is(err, service.ErrActiveRequestExists),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyAssigned),
		errors.Is(err, service.ErrStaleData):
		return http.StatusConflict

	case errors.Is(err, service.ErrOutOfServiceArea):
		return http.StatusUnprocessableEntity

	// Service unavailable
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable

	// Default to internal server error
	default:
		return http.StatusInternalServerError
	}
}
