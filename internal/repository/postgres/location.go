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
	"campusride/internal/geo"
	"campusride/internal/repository"
)

// storedGeohashPrecision is the precision persisted with every driver row.
// Queries compare a prefix of it against the covering cells.
const storedGeohashPrecision = 9

// LocationRepository is a PostgreSQL implementation of repository.LocationStore.
type LocationRepository struct {
	q Querier
}

// NewLocationRepository creates a new PostgreSQL location repository.
func NewLocationRepository(db *sql.DB) *LocationRepository {
	return &LocationRepository{q: db}
}

// UpsertDriver creates or overwrites the driver's location row.
func (r *LocationRepository) UpsertDriver(ctx context.Context, rec domain.DriverLocationRecord) error {
	query := `
		INSERT INTO driver_locations (driver_id, lat, lng, geohash, heading, speed, is_online, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (driver_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			geohash = EXCLUDED.geohash,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			is_online = EXCLUDED.is_online,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
		WHERE driver_locations.updated_at <= EXCLUDED.updated_at
	`

	_, err := r.q.ExecContext(ctx, query,
		rec.DriverID,
		rec.Point.Lat,
		rec.Point.Lng,
		geo.Encode(rec.Point, storedGeohashPrecision),
		rec.Heading,
		rec.Speed,
		rec.IsOnline,
		rec.IsActive,
		rec.UpdatedAt,
	)
	return err
}

// SetDriverOnline flips the online flag. Going offline also clears is_active.
func (r *LocationRepository) SetDriverOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	query := `
		UPDATE driver_locations
		SET is_online = $1,
			is_active = CASE WHEN $1 THEN is_active ELSE FALSE END,
			updated_at = GREATEST(updated_at, $2)
		WHERE driver_id = $3
	`

	result, err := r.q.ExecContext(ctx, query, online, at, driverID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// UpsertStudent creates or overwrites the student's location row.
func (r *LocationRepository) UpsertStudent(ctx context.Context, rec domain.StudentLocationRecord) error {
	query := `
		INSERT INTO student_locations (student_id, lat, lng, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (student_id) DO UPDATE SET
			lat = EXCLUDED.lat, lng = EXCLUDED.lng, updated_at = EXCLUDED.updated_at
	`
	_, err := r.q.ExecContext(ctx, query, rec.StudentID, rec.Point.Lat, rec.Point.Lng, rec.UpdatedAt)
	return err
}

// GetStudent returns the student's last position.
func (r *LocationRepository) GetStudent(ctx context.Context, studentID string) (*domain.StudentLocationRecord, error) {
	query := `SELECT student_id, lat, lng, updated_at FROM student_locations WHERE student_id = $1`

	var rec domain.StudentLocationRecord
	err := r.q.QueryRowContext(ctx, query, studentID).Scan(&rec.StudentID, &rec.Point.Lat, &rec.Point.Lng, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// QueryNear prefilters drivers by the geohash cells covering the search
// circle. Rows outside the circle may be returned; callers filter by distance.
func (r *LocationRepository) QueryNear(ctx context.Context, center domain.Point, radiusMeters float64, filter repository.NearFilter) ([]domain.DriverLocationRecord, error) {
	precision := geo.PrecisionForRadius(radiusMeters, center.Lat)
	cells := geo.CoveringCells(center, precision)

	args := []any{int(precision), pq.Array(cells)}
	where := []string{"left(geohash, $1) = ANY($2)"}
	if filter.OnlineOnly {
		where = append(where, "is_online")
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}

	query := fmt.Sprintf(`
		SELECT driver_id, lat, lng, heading, speed, is_online, is_active, updated_at
		FROM driver_locations WHERE %s ORDER BY updated_at DESC`, strings.Join(where, " AND "))
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DriverLocationRecord
	for rows.Next() {
		var rec domain.DriverLocationRecord
		if err := rows.Scan(
			&rec.DriverID,
			&rec.Point.Lat,
			&rec.Point.Lng,
			&rec.Heading,
			&rec.Speed,
			&rec.IsOnline,
			&rec.IsActive,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

var _ repository.LocationStore = (*LocationRepository)(nil)
var _ repository.RideRepository = (*RideRepository)(nil)
