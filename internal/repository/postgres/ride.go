package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"campusride/internal/domain"
	"campusride/internal/repository"
)

const rideColumns = `id, student_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	pickup_address, dropoff_address, status, notes, special_requirements, created_at, updated_at, cancelled_at`

// RideRepository is a PostgreSQL implementation of repository.RideRepository.
type RideRepository struct {
	q Querier
}

// NewRideRepository creates a new PostgreSQL ride repository.
func NewRideRepository(db *sql.DB) *RideRepository {
	return &RideRepository{q: db}
}

// Insert persists a new ride request. The partial unique index
// ride_requests_one_active_per_student rejects a second active request.
func (r *RideRepository) Insert(ctx context.Context, ride *domain.RideRequest) error {
	query := `
		INSERT INTO ride_requests (` + rideColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.q.ExecContext(ctx, query,
		ride.ID,
		ride.StudentID,
		nullString(ride.DriverID),
		ride.Pickup.Lat,
		ride.Pickup.Lng,
		ride.Dropoff.Lat,
		ride.Dropoff.Lng,
		ride.PickupAddress,
		ride.DropoffAddress,
		ride.Status,
		ride.Notes,
		ride.SpecialRequirements,
		ride.CreatedAt,
		ride.UpdatedAt,
		nullTime(ride.CancelledAt),
	)
	if isActiveRideViolation(err) {
		return repository.ErrActiveRequestExists
	}
	return err
}

// ConditionalUpdate performs a single UPDATE ... WHERE <preconditions>
// RETURNING. The row is only written if every precondition holds at write time.
func (r *RideRepository) ConditionalUpdate(ctx context.Context, id string, cond repository.RideCondition, patch repository.RidePatch) (*domain.RideRequest, error) {
	if len(cond.Statuses) == 0 {
		return nil, fmt.Errorf("conditional update on %s: no expected statuses", id)
	}

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	args := []any{patch.Status, updatedAt}
	set := []string{"status = $1", "updated_at = $2"}

	if patch.SetDriver {
		args = append(args, nullString(patch.DriverID))
		set = append(set, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if !patch.CancelledAt.IsZero() {
		args = append(args, patch.CancelledAt)
		set = append(set, fmt.Sprintf("cancelled_at = $%d", len(args)))
	}

	args = append(args, id)
	where := []string{fmt.Sprintf("id = $%d", len(args))}

	args = append(args, pq.Array(statusStrings(cond.Statuses)))
	where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))

	switch cond.Driver {
	case repository.DriverUnassigned:
		where = append(where, "driver_id IS NULL")
	case repository.DriverEquals:
		args = append(args, cond.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}

	if cond.StudentID != "" {
		args = append(args, cond.StudentID)
		where = append(where, fmt.Sprintf("student_id = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE ride_requests SET %s WHERE %s RETURNING %s`,
		strings.Join(set, ", "), strings.Join(where, " AND "), rideColumns)

	ride, err := scanRide(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrConditionFailed
		}
		if isActiveRideViolation(err) {
			return nil, repository.ErrActiveRequestExists
		}
		return nil, err
	}
	return ride, nil
}

// FindByID retrieves a ride request by ID.
func (r *RideRepository) FindByID(ctx context.Context, id string) (*domain.RideRequest, error) {
	query := `SELECT ` + rideColumns + ` FROM ride_requests WHERE id = $1`

	ride, err := scanRide(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return ride, nil
}

// FindActiveByStudent returns the student's non-terminal request, or nil.
func (r *RideRepository) FindActiveByStudent(ctx context.Context, studentID string) (*domain.RideRequest, error) {
	query := `
		SELECT ` + rideColumns + ` FROM ride_requests
		WHERE student_id = $1 AND status <> ALL($2)
		ORDER BY created_at DESC LIMIT 1
	`

	ride, err := scanRide(r.q.QueryRowContext(ctx, query, studentID,
		pq.Array([]string{string(domain.RideStatusCompleted), string(domain.RideStatusCancelled)})))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ride, nil
}

// FindActiveByDriver returns the non-terminal request assigned to the driver, or nil.
func (r *RideRepository) FindActiveByDriver(ctx context.Context, driverID string) (*domain.RideRequest, error) {
	query := `
		SELECT ` + rideColumns + ` FROM ride_requests
		WHERE driver_id = $1 AND status <> ALL($2)
		ORDER BY updated_at DESC LIMIT 1
	`

	ride, err := scanRide(r.q.QueryRowContext(ctx, query, driverID,
		pq.Array([]string{string(domain.RideStatusCompleted), string(domain.RideStatusCancelled)})))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return ride, nil
}

// ListByStatus returns requests in statuses last updated before the cutoff.
func (r *RideRepository) ListByStatus(ctx context.Context, statuses []domain.RideStatus, updatedBefore time.Time, limit int) ([]*domain.RideRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + rideColumns + ` FROM ride_requests
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3
	`

	rows, err := r.q.QueryContext(ctx, query, pq.Array(statusStrings(statuses)), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rides []*domain.RideRequest
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*domain.RideRequest, error) {
	var ride domain.RideRequest
	var driverID sql.NullString
	var cancelledAt sql.NullTime

	err := row.Scan(
		&ride.ID,
		&ride.StudentID,
		&driverID,
		&ride.Pickup.Lat,
		&ride.Pickup.Lng,
		&ride.Dropoff.Lat,
		&ride.Dropoff.Lng,
		&ride.PickupAddress,
		&ride.DropoffAddress,
		&ride.Status,
		&ride.Notes,
		&ride.SpecialRequirements,
		&ride.CreatedAt,
		&ride.UpdatedAt,
		&cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		ride.DriverID = driverID.String
	}
	if cancelledAt.Valid {
		ride.CancelledAt = cancelledAt.Time
	}
	return &ride, nil
}

func isActiveRideViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == uniqueViolation && pqErr.Constraint == activeRideIndex
}

func statusStrings(statuses []domain.RideStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
