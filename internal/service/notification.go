package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"campusride/internal/domain"
	"campusride/internal/logging"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationRideOffered    NotificationType = "RIDE_OFFERED"
	NotificationDriverAssigned NotificationType = "DRIVER_ASSIGNED"
	NotificationDriverArrived  NotificationType = "DRIVER_ARRIVED"
	NotificationRideStarted    NotificationType = "RIDE_STARTED"
	NotificationRideCompleted  NotificationType = "RIDE_COMPLETED"
	NotificationRideCancelled  NotificationType = "RIDE_CANCELLED"
	NotificationDriverDeclined NotificationType = "DRIVER_DECLINED"
)

// Notification represents a notification to be sent.
type Notification struct {
	Type        NotificationType
	RecipientID string // student or driver ID
	Title       string
	Message     string
	Data        map[string]any
	CreatedAt   time.Time
}

// Sender delivers a notification over a push channel.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// NotificationService turns ride changes into user-facing notifications.
// Delivery is out of scope; without a Sender notifications are logged.
type NotificationService struct {
	sender Sender
	logger *slog.Logger
}

// NewNotificationService creates a new NotificationService. sender may be nil.
func NewNotificationService(sender Sender, logger *slog.Logger) *NotificationService {
	return &NotificationService{sender: sender, logger: logging.OrDiscard(logger)}
}

// NotifyRideOffered tells nearby drivers about an open request.
func (s *NotificationService) NotifyRideOffered(ctx context.Context, ride *domain.RideRequest, candidates []domain.MatchCandidate) error {
	for _, c := range candidates {
		err := s.send(ctx, Notification{
			Type:        NotificationRideOffered,
			RecipientID: c.DriverID,
			Title:       "New Ride Request",
			Message:     fmt.Sprintf("Pickup %.0fm away at %s", c.DistanceMeters, ride.PickupAddress),
			Data: map[string]any{
				"ride_id":         ride.ID,
				"distance_meters": c.DistanceMeters,
				"pickup":          ride.Pickup.String(),
			},
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NotifyStatusChanged tells the student about a change to their ride.
// Statuses with nothing to say are ignored.
func (s *NotificationService) NotifyStatusChanged(ctx context.Context, ride *domain.RideRequest) error {
	n := Notification{
		RecipientID: ride.StudentID,
		Data:        map[string]any{"ride_id": ride.ID, "status": string(ride.Status)},
		CreatedAt:   time.Now(),
	}

	switch ride.Status {
	case domain.RideStatusDriverAssigned:
		n.Type, n.Title, n.Message = NotificationDriverAssigned, "Driver Assigned", "A driver accepted your ride"
	case domain.RideStatusArrivedAtPickup:
		n.Type, n.Title, n.Message = NotificationDriverArrived, "Driver Arrived", "Your driver is at the pickup point"
	case domain.RideStatusInProgress:
		n.Type, n.Title, n.Message = NotificationRideStarted, "Ride Started", "Enjoy your ride"
	case domain.RideStatusCompleted:
		n.Type, n.Title, n.Message = NotificationRideCompleted, "Ride Completed", "You have arrived"
	case domain.RideStatusCancelled:
		n.Type, n.Title, n.Message = NotificationRideCancelled, "Ride Cancelled", "Your ride was cancelled"
	case domain.RideStatusFindingDriver:
		n.Type, n.Title, n.Message = NotificationDriverDeclined, "Finding Driver", "Looking for a driver"
	default:
		return nil
	}
	return s.send(ctx, n)
}

func (s *NotificationService) send(ctx context.Context, n Notification) error {
	if s.sender != nil {
		return s.sender.Send(ctx, n)
	}
	s.logger.Info("notification",
		"type", n.Type, "recipient", n.RecipientID, "title", n.Title, "message", n.Message)
	return nil
}
