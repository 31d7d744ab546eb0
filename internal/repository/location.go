package repository

import (
	"context"
	"time"

	"campusride/internal/domain"
)

// NearFilter narrows a proximity query.
type NearFilter struct {
	OnlineOnly bool
	ActiveOnly bool
	Limit      int // 0 means no limit
}

// LocationStore holds the latest known position of each driver and student.
type LocationStore interface {
	// UpsertDriver creates or overwrites the driver's record. A record whose
	// UpdatedAt is older than the stored one is ignored.
	UpsertDriver(ctx context.Context, rec domain.DriverLocationRecord) error

	// SetDriverOnline flips the online flag as of at without moving the
	// driver. The stored UpdatedAt never moves backwards.
	SetDriverOnline(ctx context.Context, driverID string, online bool, at time.Time) error

	// UpsertStudent creates or overwrites the student's record.
	UpsertStudent(ctx context.Context, rec domain.StudentLocationRecord) error

	// GetStudent returns the student's last position.
	GetStudent(ctx context.Context, studentID string) (*domain.StudentLocationRecord, error)

	// QueryNear returns driver records within radiusMeters of center,
	// unordered. Distance and freshness filtering is done by the caller.
	QueryNear(ctx context.Context, center domain.Point, radiusMeters float64, filter NearFilter) ([]domain.DriverLocationRecord, error)
}
