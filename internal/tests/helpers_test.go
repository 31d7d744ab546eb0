package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"campusride/internal/domain"
	"campusride/internal/geo"
	"campusride/internal/service"
)

var (
	campusPickup  = domain.Point{Lat: 6.8901, Lng: 3.7200}
	campusDropoff = domain.Point{Lat: 6.8930, Lng: 3.7250}
	nearPickup    = domain.Point{Lat: 6.8905, Lng: 3.7205}
	offCampus     = domain.Point{Lat: 6.5244, Lng: 3.3792}
)

func campusArea(t *testing.T) *geo.ServiceArea {
	t.Helper()
	area, err := geo.NewServiceArea([]domain.Point{
		{Lat: 6.880, Lng: 3.710},
		{Lat: 6.880, Lng: 3.735},
		{Lat: 6.900, Lng: 3.735},
		{Lat: 6.900, Lng: 3.710},
	})
	if err != nil {
		t.Fatalf("service area: %v", err)
	}
	return area
}

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture wires the services over the in-memory stores.
type fixture struct {
	rides       *MockRideRepository
	locations   *MockLocationStore
	exclusions  *MockExclusionStore
	clock       *testClock
	coordinator *service.Coordinator
	matcher     *service.MatchingService
	location    *service.LocationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithTTL(t, 0)
}

func newFixtureWithTTL(t *testing.T, requestTTL time.Duration) *fixture {
	t.Helper()
	fx := &fixture{
		rides:      NewMockRideRepository(),
		locations:  NewMockLocationStore(),
		exclusions: NewMockExclusionStore(),
		clock:      newTestClock(),
	}
	area := campusArea(t)
	fx.coordinator = service.NewCoordinator(fx.rides, area, nil, fx.exclusions,
		service.CoordinatorConfig{RequestTTL: requestTTL}, nil).WithClock(fx.clock.Now)
	fx.matcher = service.NewMatchingService(fx.locations, fx.exclusions,
		service.MatchingConfig{SearchRadiusMeters: 1000, MaxResults: 10, Freshness: 30 * time.Second}, nil).WithClock(fx.clock.Now)
	fx.location = service.NewLocationService(fx.locations, area, nil).WithClock(fx.clock.Now)
	return fx
}

// seedRide stores a ride in the given state as of now.
func (fx *fixture) seedRide(studentID string, status domain.RideStatus, driverID string) *domain.RideRequest {
	now := fx.clock.Now()
	ride := &domain.RideRequest{
		ID:        uuid.New().String(),
		StudentID: studentID,
		DriverID:  driverID,
		Pickup:    campusPickup,
		Dropoff:   campusDropoff,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fx.rides.AddRide(ride)
	return ride
}

// onlineDriver is a fresh, accepting driver record at p.
func (fx *fixture) onlineDriver(driverID string, p domain.Point, age time.Duration) domain.DriverLocationRecord {
	return domain.DriverLocationRecord{
		DriverID:  driverID,
		Point:     p,
		IsOnline:  true,
		IsActive:  true,
		UpdatedAt: fx.clock.Now().Add(-age),
	}
}

func (fx *fixture) createRide(t *testing.T, studentID string) *domain.RideRequest {
	t.Helper()
	ride, err := fx.coordinator.CreateRequest(context.Background(), service.CreateRideRequest{
		StudentID: studentID,
		Pickup:    campusPickup,
		Dropoff:   campusDropoff,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return ride
}

func (fx *fixture) status(t *testing.T, rideID string) domain.RideStatus {
	t.Helper()
	ride, err := fx.rides.FindByID(context.Background(), rideID)
	if err != nil {
		t.Fatalf("find ride: %v", err)
	}
	return ride.Status
}
