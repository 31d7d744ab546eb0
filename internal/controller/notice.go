// Package controller keeps a client's view of its rides in step with the
// server. Controllers apply change events idempotently, bound every call
// with a timeout, and re-query instead of retrying when an outcome is
// unknown.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campusride/internal/domain"
	"campusride/internal/service"
)

// Notice is a user-facing message about a ride.
type Notice struct {
	RideID string
	Status domain.RideStatus
	Text   string
}

// Notifier shows notices to the user, typically as toasts.
type Notifier interface {
	Notify(n Notice)
}

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(n Notice) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info(n.Text, "ride_id", n.RideID, "status", n.Status)
}

// StatusChange is one entry in a controller's status history.
type StatusChange struct {
	RideID string
	From   domain.RideStatus
	To     domain.RideStatus
	At     time.Time
}

// Config tunes a controller.
type Config struct {
	CallTimeout time.Duration // bound on every API call
	MinBackoff  time.Duration // first feed reconnect delay
	MaxBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	return c
}

// outcomeUnknown reports whether a failed call may still have been applied
// by the server, in which case the caller must re-query before acting again.
func outcomeUnknown(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, service.ErrUpstreamUnavailable)
}

func studentText(ride *domain.RideRequest, from domain.RideStatus) string {
	switch ride.Status {
	case domain.RideStatusRequested:
		return "Ride requested"
	case domain.RideStatusFindingDriver:
		if from == domain.RideStatusDriverAssigned {
			return "Your driver declined, finding another driver"
		}
		return "Finding a driver"
	case domain.RideStatusDriverAssigned:
		return "A driver accepted your ride"
	case domain.RideStatusArrivedAtPickup:
		return "Your driver has arrived at the pickup point"
	case domain.RideStatusInProgress:
		return "Your ride has started"
	case domain.RideStatusCompleted:
		return "Ride completed"
	case domain.RideStatusCancelled:
		return "Ride cancelled"
	default:
		return "Ride updated"
	}
}

func driverText(ride *domain.RideRequest) string {
	switch ride.Status {
	case domain.RideStatusDriverAssigned:
		return "Ride assigned, head to the pickup point"
	case domain.RideStatusArrivedAtPickup:
		return "Marked as arrived"
	case domain.RideStatusInProgress:
		return "Ride started"
	case domain.RideStatusCompleted:
		return "Ride completed"
	case domain.RideStatusCancelled:
		return "The student cancelled the ride"
	default:
		return "Ride updated"
	}
}
