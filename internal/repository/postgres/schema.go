package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const (
	uniqueViolation pq.ErrorCode = "23505"
	activeRideIndex              = "ride_requests_one_active_per_student"

	// ChangeChannel is the LISTEN/NOTIFY channel carrying ride row changes.
	ChangeChannel = "ride_changes"
)

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ride_requests (
		id                   TEXT PRIMARY KEY,
		student_id           TEXT NOT NULL,
		driver_id            TEXT,
		pickup_lat           DOUBLE PRECISION NOT NULL,
		pickup_lng           DOUBLE PRECISION NOT NULL,
		dropoff_lat          DOUBLE PRECISION NOT NULL,
		dropoff_lng          DOUBLE PRECISION NOT NULL,
		pickup_address       TEXT NOT NULL DEFAULT '',
		dropoff_address      TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL,
		notes                TEXT NOT NULL DEFAULT '',
		special_requirements TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL,
		cancelled_at         TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + activeRideIndex + `
		ON ride_requests (student_id)
		WHERE status NOT IN ('completed', 'cancelled')`,
	`CREATE INDEX IF NOT EXISTS ride_requests_status_updated_idx
		ON ride_requests (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS ride_requests_driver_idx
		ON ride_requests (driver_id) WHERE driver_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS driver_locations (
		driver_id  TEXT PRIMARY KEY,
		lat        DOUBLE PRECISION NOT NULL,
		lng        DOUBLE PRECISION NOT NULL,
		geohash    TEXT NOT NULL,
		heading    DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed      DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_online  BOOLEAN NOT NULL,
		is_active  BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS driver_locations_geohash_idx
		ON driver_locations (geohash text_pattern_ops)`,
	`CREATE TABLE IF NOT EXISTS student_locations (
		student_id TEXT PRIMARY KEY,
		lat        DOUBLE PRECISION NOT NULL,
		lng        DOUBLE PRECISION NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE OR REPLACE FUNCTION notify_ride_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + ChangeChannel + `', json_build_object(
			'op', lower(TG_OP),
			'row', row_to_json(NEW)
		)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ride_requests_notify ON ride_requests`,
	`CREATE TRIGGER ride_requests_notify
		AFTER INSERT OR UPDATE ON ride_requests
		FOR EACH ROW EXECUTE FUNCTION notify_ride_change()`,
}

// Migrate creates the tables, the one-active-ride index and the change
// notification trigger.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}
