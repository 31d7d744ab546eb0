package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"campusride/internal/domain"
	"campusride/internal/geo"
	"campusride/internal/logging"
	"campusride/internal/redis"
)

// cellPrecision groups coordinates roughly 150m apart under one cache key.
const cellPrecision = 7

// ErrNoLandmarks is returned when the resolver has nothing to compare against.
var ErrNoLandmarks = errors.New("no landmarks configured")

// LandmarkResolver labels coordinates with the nearest configured campus
// landmark. Results are cached per geohash cell.
type LandmarkResolver struct {
	landmarks []domain.Landmark
	cache     redis.CacheStoreInterface
	logger    *slog.Logger
}

// NewLandmarkResolver creates a resolver. cache may be nil.
func NewLandmarkResolver(landmarks []domain.Landmark, cache redis.CacheStoreInterface, logger *slog.Logger) *LandmarkResolver {
	return &LandmarkResolver{
		landmarks: landmarks,
		cache:     cache,
		logger:    logging.OrDiscard(logger),
	}
}

// ResolveNearestReference returns the closest landmark to p and its distance.
// The distance is measured from the cell centre when the answer comes from
// cache.
func (r *LandmarkResolver) ResolveNearestReference(ctx context.Context, p domain.Point) (*domain.AddressReference, error) {
	if len(r.landmarks) == 0 {
		return nil, ErrNoLandmarks
	}

	cell := geo.Encode(p, cellPrecision)
	if r.cache != nil {
		cached, err := r.cache.GetAddress(ctx, cell)
		if err != nil {
			r.logger.Warn("address cache read failed", "cell", cell, "error", err)
		} else if cached != nil {
			return &domain.AddressReference{Name: cached.Name, DistanceMeters: cached.DistanceMeters}, nil
		}
	}

	ref := r.nearest(p)

	if r.cache != nil {
		err := r.cache.SetAddress(ctx, cell, &redis.CachedAddress{Name: ref.Name, DistanceMeters: ref.DistanceMeters})
		if err != nil {
			r.logger.Warn("address cache write failed", "cell", cell, "error", err)
		}
	}
	return ref, nil
}

func (r *LandmarkResolver) nearest(p domain.Point) *domain.AddressReference {
	best := &domain.AddressReference{DistanceMeters: math.Inf(1)}
	for _, lm := range r.landmarks {
		if d := geo.DistanceMeters(p, lm.Point); d < best.DistanceMeters {
			best.Name = lm.Name
			best.DistanceMeters = d
		}
	}
	return best
}

// ParseLandmarks parses "Name@lat,lng;Name@lat,lng".
func ParseLandmarks(s string) ([]domain.Landmark, error) {
	var landmarks []domain.Landmark
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, coords, ok := strings.Cut(entry, "@")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("landmark %q: expected name@lat,lng", entry)
		}
		latStr, lngStr, ok := strings.Cut(coords, ",")
		if !ok {
			return nil, fmt.Errorf("landmark %q: expected lat,lng", entry)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
		if err != nil {
			return nil, fmt.Errorf("landmark %q: %w", entry, err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(lngStr), 64)
		if err != nil {
			return nil, fmt.Errorf("landmark %q: %w", entry, err)
		}
		p := domain.Point{Lat: lat, Lng: lng}
		if !p.IsValid() {
			return nil, fmt.Errorf("landmark %q: coordinate out of range", entry)
		}
		landmarks = append(landmarks, domain.Landmark{Name: strings.TrimSpace(name), Point: p})
	}
	return landmarks, nil
}
