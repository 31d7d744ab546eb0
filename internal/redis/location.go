package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"campusride/internal/domain"
	"campusride/internal/repository"
)

const (
	driverLocationKey     = "drivers:locations"
	driverMetaPrefix      = "drivers:meta:"
	studentLocationPrefix = "students:location:"
)

// LocationStore keeps driver positions in a GEO set and the remaining
// driver fields in one hash per driver.
type LocationStore struct {
	client *redis.Client
}

// NewLocationStore creates a new LocationStore.
func NewLocationStore(client *redis.Client) *LocationStore {
	return &LocationStore{client: client}
}

// upsertDriverScript writes the position and flags unless the stored record
// is newer. Returns 1 when applied, 0 when the record was stale.
var upsertDriverScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[2], "updated_at")
if cur and tonumber(cur) > tonumber(ARGV[8]) then
	return 0
end
redis.call("GEOADD", KEYS[1], ARGV[2], ARGV[3], ARGV[1])
redis.call("HSET", KEYS[2],
	"lat", ARGV[3], "lng", ARGV[2], "heading", ARGV[4], "speed", ARGV[5],
	"online", ARGV[6], "active", ARGV[7], "updated_at", ARGV[8])
return 1
`)

// setOnlineScript flips the online flag and never moves updated_at
// backwards. Returns -1 when the driver has no record.
var setOnlineScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "updated_at")
if not cur then
	return -1
end
local at = ARGV[2]
if tonumber(cur) > tonumber(at) then
	at = cur
end
redis.call("HSET", KEYS[1], "online", ARGV[1], "updated_at", at)
if ARGV[1] == "false" then
	redis.call("HSET", KEYS[1], "active", "false")
end
return 1
`)

// UpsertDriver stores the driver position in the GEO set and its flags in
// the driver hash. A record older than the stored one is ignored.
func (s *LocationStore) UpsertDriver(ctx context.Context, rec domain.DriverLocationRecord) error {
	return upsertDriverScript.Run(ctx, s.client,
		[]string{driverLocationKey, driverMetaPrefix + rec.DriverID},
		rec.DriverID,
		formatFloat(rec.Point.Lng),
		formatFloat(rec.Point.Lat),
		formatFloat(rec.Heading),
		formatFloat(rec.Speed),
		strconv.FormatBool(rec.IsOnline),
		strconv.FormatBool(rec.IsActive),
		strconv.FormatInt(rec.UpdatedAt.UnixMilli(), 10),
	).Err()
}

// SetDriverOnline flips the online flag as of at. Going offline also clears
// active. updated_at only moves forward, so a report sampled before at can
// no longer bring the driver back.
func (s *LocationStore) SetDriverOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	n, err := setOnlineScript.Run(ctx, s.client,
		[]string{driverMetaPrefix + driverID},
		strconv.FormatBool(online),
		strconv.FormatInt(at.UnixMilli(), 10),
	).Int()
	if err != nil {
		return err
	}
	if n < 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertStudent stores the student's last position.
func (s *LocationStore) UpsertStudent(ctx context.Context, rec domain.StudentLocationRecord) error {
	return s.client.HSet(ctx, studentLocationPrefix+rec.StudentID,
		"lat", formatFloat(rec.Point.Lat),
		"lng", formatFloat(rec.Point.Lng),
		"updated_at", strconv.FormatInt(rec.UpdatedAt.UnixMilli(), 10),
	).Err()
}

// GetStudent returns the student's last position.
func (s *LocationStore) GetStudent(ctx context.Context, studentID string) (*domain.StudentLocationRecord, error) {
	fields, err := s.client.HGetAll(ctx, studentLocationPrefix+studentID).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	return &domain.StudentLocationRecord{
		StudentID: studentID,
		Point:     domain.Point{Lat: parseFloat(fields["lat"]), Lng: parseFloat(fields["lng"])},
		UpdatedAt: parseMillis(fields["updated_at"]),
	}, nil
}

// QueryNear runs GEOSEARCH around center and joins the driver hashes in one
// pipeline.
func (s *LocationStore) QueryNear(ctx context.Context, center domain.Point, radiusMeters float64, filter repository.NearFilter) ([]domain.DriverLocationRecord, error) {
	results, err := s.client.GeoSearchLocation(ctx, driverLocationKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []domain.DriverLocationRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(results))
	for i, r := range results {
		cmds[i] = pipe.HGetAll(ctx, driverMetaPrefix+r.Name)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]domain.DriverLocationRecord, 0, len(results))
	for i, r := range results {
		meta, err := cmds[i].Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		rec := domain.DriverLocationRecord{
			DriverID:  r.Name,
			Point:     domain.Point{Lat: r.Latitude, Lng: r.Longitude},
			Heading:   parseFloat(meta["heading"]),
			Speed:     parseFloat(meta["speed"]),
			IsOnline:  meta["online"] == "true",
			IsActive:  meta["active"] == "true",
			UpdatedAt: parseMillis(meta["updated_at"]),
		}
		if filter.OnlineOnly && !rec.IsOnline {
			continue
		}
		if filter.ActiveOnly && !rec.IsActive {
			continue
		}
		records = append(records, rec)
		if filter.Limit > 0 && len(records) >= filter.Limit {
			break
		}
	}

	return records, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
