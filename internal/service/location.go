package service

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"campusride/internal/domain"
	"campusride/internal/logging"
	"campusride/internal/observability"
	"campusride/internal/repository"
)

// LocationService records driver and student positions.
type LocationService struct {
	store  repository.LocationStore
	area   AreaChecker
	now    func() time.Time
	logger *slog.Logger
}

// NewLocationService creates a new LocationService. area may be nil.
func NewLocationService(store repository.LocationStore, area AreaChecker, logger *slog.Logger) *LocationService {
	return &LocationService{
		store:  store,
		area:   area,
		now:    time.Now,
		logger: logging.OrDiscard(logger),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *LocationService) WithClock(now func() time.Time) *LocationService {
	s.now = now
	return s
}

// DriverLocationReport contains one driver position sample.
type DriverLocationReport struct {
	DriverID string
	Point    domain.Point
	Heading  float64
	Speed    float64
	// Accepting is false while the driver is online but not taking rides.
	Accepting bool
	// ReportedAt is when the sample was taken. Zero or future means now.
	ReportedAt time.Time
}

// ReportDriverLocation upserts the driver's position and marks them online.
func (s *LocationService) ReportDriverLocation(ctx context.Context, req DriverLocationReport) error {
	if req.DriverID == "" {
		return ErrInvalidDriverID
	}
	if !req.Point.IsValid() || math.IsNaN(req.Heading) || math.IsNaN(req.Speed) {
		return ErrInvalidLocation
	}

	updatedAt := s.now()
	if !req.ReportedAt.IsZero() && req.ReportedAt.Before(updatedAt) {
		updatedAt = req.ReportedAt
	}

	err := s.store.UpsertDriver(ctx, domain.DriverLocationRecord{
		DriverID:  req.DriverID,
		Point:     req.Point,
		Heading:   req.Heading,
		Speed:     req.Speed,
		IsOnline:  true,
		IsActive:  req.Accepting,
		UpdatedAt: updatedAt,
	})
	if err != nil {
		return upstream(err)
	}

	observability.LocationReportsTotal.WithLabelValues(string(domain.ActorRoleDriver)).Inc()
	return nil
}

// SetDriverOffline marks the driver offline. The record is kept so the
// last known position stays available.
func (s *LocationService) SetDriverOffline(ctx context.Context, driverID string) error {
	if driverID == "" {
		return ErrInvalidDriverID
	}

	err := s.store.SetDriverOnline(ctx, driverID, false, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		// Never reported a position; nothing to mark.
		return nil
	}
	if err != nil {
		return upstream(err)
	}

	s.logger.Info("driver offline", "driver_id", driverID)
	return nil
}

// StudentLocationResult tells the client whether the reported position is
// usable as a pickup.
type StudentLocationResult struct {
	InServiceArea bool
}

// ReportStudentLocation upserts the student's position.
func (s *LocationService) ReportStudentLocation(ctx context.Context, studentID string, p domain.Point) (*StudentLocationResult, error) {
	if studentID == "" {
		return nil, ErrInvalidStudentID
	}
	if !p.IsValid() {
		return nil, ErrInvalidLocation
	}

	err := s.store.UpsertStudent(ctx, domain.StudentLocationRecord{
		StudentID: studentID,
		Point:     p,
		UpdatedAt: s.now(),
	})
	if err != nil {
		return nil, upstream(err)
	}

	observability.LocationReportsTotal.WithLabelValues(string(domain.ActorRoleStudent)).Inc()
	return &StudentLocationResult{InServiceArea: s.area == nil || s.area.Contains(p)}, nil
}
