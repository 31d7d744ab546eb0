package service

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"campusride/internal/domain"
	"campusride/internal/geo"
	"campusride/internal/logging"
	"campusride/internal/observability"
	"campusride/internal/redis"
	"campusride/internal/repository"
)

const (
	defaultSearchRadiusMeters = 2000.0
	defaultMaxResults         = 10
	defaultFreshness          = 30 * time.Second
)

// MatchingConfig tunes the nearby-driver query.
type MatchingConfig struct {
	SearchRadiusMeters float64       // radius used by CandidatesForRide
	MaxResults         int           // cap when the caller passes none
	Freshness          time.Duration // reports older than this are ignored
}

// MatchingService answers "which drivers can serve this pickup".
type MatchingService struct {
	locations  repository.LocationStore
	exclusions redis.ExclusionStoreInterface
	cfg        MatchingConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewMatchingService creates a new MatchingService. exclusions may be nil,
// in which case no driver is ever excluded.
func NewMatchingService(
	locations repository.LocationStore,
	exclusions redis.ExclusionStoreInterface,
	cfg MatchingConfig,
	logger *slog.Logger,
) *MatchingService {
	if cfg.SearchRadiusMeters <= 0 {
		cfg.SearchRadiusMeters = defaultSearchRadiusMeters
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = defaultFreshness
	}
	return &MatchingService{
		locations:  locations,
		exclusions: exclusions,
		cfg:        cfg,
		now:        time.Now,
		logger:     logging.OrDiscard(logger),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *MatchingService) WithClock(now func() time.Time) *MatchingService {
	s.now = now
	return s
}

// FindNearby returns online, accepting drivers within radiusMeters of pickup
// whose last report is fresh. Results are ordered by distance, ties broken
// by the most recent report, and capped at maxResults. No match yields an
// empty slice.
func (s *MatchingService) FindNearby(ctx context.Context, pickup domain.Point, radiusMeters float64, maxResults int) ([]domain.MatchCandidate, error) {
	return s.findNearby(ctx, pickup, radiusMeters, maxResults, nil)
}

// CandidatesForRide runs FindNearby around the ride's pickup and drops
// drivers who already declined it.
func (s *MatchingService) CandidatesForRide(ctx context.Context, ride *domain.RideRequest) ([]domain.MatchCandidate, error) {
	excluded := map[string]bool{}
	if s.exclusions != nil {
		declined, err := s.exclusions.Declined(ctx, ride.ID)
		if err != nil {
			return nil, upstream(err)
		}
		for _, id := range declined {
			excluded[id] = true
		}
	}
	return s.findNearby(ctx, ride.Pickup, s.cfg.SearchRadiusMeters, s.cfg.MaxResults, excluded)
}

func (s *MatchingService) findNearby(ctx context.Context, pickup domain.Point, radiusMeters float64, maxResults int, excluded map[string]bool) ([]domain.MatchCandidate, error) {
	if !pickup.IsValid() {
		return nil, ErrInvalidPickupLocation
	}
	if radiusMeters <= 0 {
		return nil, ErrInvalidRadius
	}
	if maxResults <= 0 {
		maxResults = s.cfg.MaxResults
	}

	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	records, err := s.locations.QueryNear(ctx, pickup, radiusMeters, repository.NearFilter{
		OnlineOnly: true,
		ActiveOnly: true,
	})
	if err != nil {
		s.logger.Error("nearby driver query failed", "error", err)
		return nil, upstream(err)
	}

	now := s.now()
	candidates := make([]domain.MatchCandidate, 0, len(records))
	for _, rec := range records {
		if !rec.IsOnline || !rec.IsActive || excluded[rec.DriverID] {
			continue
		}
		if now.Sub(rec.UpdatedAt) > s.cfg.Freshness {
			continue
		}
		dist := geo.DistanceMeters(pickup, rec.Point)
		if dist > radiusMeters {
			continue
		}
		candidates = append(candidates, domain.MatchCandidate{
			DriverID:       rec.DriverID,
			DistanceMeters: dist,
			IsOnline:       rec.IsOnline,
			UpdatedAt:      rec.UpdatedAt,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DistanceMeters != candidates[j].DistanceMeters {
			return candidates[i].DistanceMeters < candidates[j].DistanceMeters
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})

	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	observability.MatchCandidates.Observe(float64(len(candidates)))
	return candidates, nil
}
