package geocode

import (
	"context"
	"errors"
	"sync"
	"testing"

	"campusride/internal/domain"
	"campusride/internal/redis"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*redis.CachedAddress
	gets    int
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*redis.CachedAddress)}
}

func (c *memoryCache) GetAddress(_ context.Context, cell string) (*redis.CachedAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[cell], nil
}

func (c *memoryCache) SetAddress(_ context.Context, cell string, addr *redis.CachedAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cell] = addr
	return nil
}

var campusLandmarks = []domain.Landmark{
	{Name: "Main Gate", Point: domain.Point{Lat: 6.8901, Lng: 3.7200}},
	{Name: "Library", Point: domain.Point{Lat: 6.8930, Lng: 3.7250}},
}

func TestResolveNearestReference(t *testing.T) {
	t.Parallel()

	r := NewLandmarkResolver(campusLandmarks, nil, nil)

	ref, err := r.ResolveNearestReference(context.Background(), domain.Point{Lat: 6.8928, Lng: 3.7247})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Name != "Library" {
		t.Errorf("nearest = %s, want Library", ref.Name)
	}
	if ref.DistanceMeters <= 0 || ref.DistanceMeters > 60 {
		t.Errorf("distance = %.1f, want a few tens of meters", ref.DistanceMeters)
	}
}

func TestResolveUsesCache(t *testing.T) {
	t.Parallel()

	cache := newMemoryCache()
	r := NewLandmarkResolver(campusLandmarks, cache, nil)
	p := domain.Point{Lat: 6.8901, Lng: 3.7200}

	if _, err := r.ResolveNearestReference(context.Background(), p); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(cache.entries) != 1 {
		t.Fatalf("expected one cached cell, got %d", len(cache.entries))
	}

	// A different landmark set proves the second answer came from cache.
	r.landmarks = []domain.Landmark{{Name: "Elsewhere", Point: domain.Point{Lat: 0, Lng: 0}}}
	ref, err := r.ResolveNearestReference(context.Background(), p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Name != "Main Gate" {
		t.Errorf("expected cached Main Gate, got %s", ref.Name)
	}
}

func TestResolveSurvivesCacheFailure(t *testing.T) {
	t.Parallel()

	cache := newMemoryCache()
	cache.getErr = errors.New("redis down")
	r := NewLandmarkResolver(campusLandmarks, cache, nil)

	ref, err := r.ResolveNearestReference(context.Background(), domain.Point{Lat: 6.8901, Lng: 3.7200})
	if err != nil {
		t.Fatalf("cache failure should not fail resolution: %v", err)
	}
	if ref.Name != "Main Gate" {
		t.Errorf("got %s", ref.Name)
	}
}

func TestResolveWithoutLandmarks(t *testing.T) {
	t.Parallel()

	r := NewLandmarkResolver(nil, nil, nil)
	if _, err := r.ResolveNearestReference(context.Background(), domain.Point{}); !errors.Is(err, ErrNoLandmarks) {
		t.Errorf("expected ErrNoLandmarks, got %v", err)
	}
}

func TestParseLandmarks(t *testing.T) {
	t.Parallel()

	got, err := ParseLandmarks("Main Gate@6.8901,3.7200; Library@6.8930,3.7250;")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[1].Name != "Library" || got[1].Point.Lng != 3.7250 {
		t.Errorf("unexpected landmarks: %+v", got)
	}

	for _, bad := range []string{"NoCoords", "@6.8,3.7", "Gate@6.8", "Gate@x,3.7", "Gate@95,3.7"} {
		if _, err := ParseLandmarks(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
