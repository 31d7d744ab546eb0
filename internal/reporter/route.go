package reporter

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"campusride/internal/domain"
	"campusride/internal/geo"
)

// ErrEmptyRoute is returned by NewRouteSource without waypoints.
var ErrEmptyRoute = errors.New("route needs at least one waypoint")

// RouteSource simulates an actor driving a closed loop of waypoints at a
// constant speed. Used by the driver simulator and tests.
type RouteSource struct {
	mu        sync.Mutex
	waypoints []domain.Point
	speed     float64 // meters per second
	now       func() time.Time
	start     time.Time
	loopLen   float64
}

// NewRouteSource starts the loop at the first waypoint now.
func NewRouteSource(waypoints []domain.Point, speedMetersPerSecond float64, now func() time.Time) (*RouteSource, error) {
	if len(waypoints) == 0 {
		return nil, ErrEmptyRoute
	}
	if now == nil {
		now = time.Now
	}
	wps := make([]domain.Point, len(waypoints))
	copy(wps, waypoints)

	var total float64
	for i := range wps {
		total += geo.DistanceMeters(wps[i], wps[(i+1)%len(wps)])
	}
	return &RouteSource{
		waypoints: wps,
		speed:     speedMetersPerSecond,
		now:       now,
		start:     now(),
		loopLen:   total,
	}, nil
}

// Current implements PositionSource.
func (s *RouteSource) Current(context.Context) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waypoints) == 1 || s.loopLen == 0 || s.speed <= 0 {
		return Position{Point: s.waypoints[0]}, nil
	}

	travelled := math.Mod(s.speed*s.now().Sub(s.start).Seconds(), s.loopLen)

	for i := range s.waypoints {
		from, to := s.waypoints[i], s.waypoints[(i+1)%len(s.waypoints)]
		leg := geo.DistanceMeters(from, to)
		if travelled <= leg && leg > 0 {
			return Position{
				Point:   geo.Interpolate(from, to, travelled/leg),
				Heading: geo.BearingDegrees(from, to),
				Speed:   s.speed,
			}, nil
		}
		travelled -= leg
	}
	return Position{Point: s.waypoints[0], Speed: s.speed}, nil
}
