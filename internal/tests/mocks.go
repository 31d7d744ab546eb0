package tests

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"campusride/internal/domain"
	"campusride/internal/feed"
	"campusride/internal/geo"
	"campusride/internal/redis"
	"campusride/internal/repository"
	"campusride/internal/service"
)

// ──────────────────────────────────────────────
// MOCK RIDE REPOSITORY
// ──────────────────────────────────────────────

// MockRideRepository is an in-memory RideRepository. Every write happens
// under one mutex, so the one-active-ride check on Insert and the
// preconditions of ConditionalUpdate are atomic like the SQL versions.
type MockRideRepository struct {
	mu    sync.RWMutex
	rides map[string]*domain.RideRequest

	// Publisher receives an event for every successful write when set.
	Publisher feed.Publisher

	// Counters for verification
	InsertCallCount            int32
	ConditionalUpdateCallCount int32

	// Error injection
	InsertError            error
	ConditionalUpdateError error
	FindByIDError          error
	FindActiveError        error
	ListByStatusError      error
}

// NewMockRideRepository creates a new mock ride repository.
func NewMockRideRepository() *MockRideRepository {
	return &MockRideRepository{
		rides: make(map[string]*domain.RideRequest),
	}
}

// AddRide stores a ride as is, bypassing every check.
func (m *MockRideRepository) AddRide(ride *domain.RideRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[ride.ID] = ride.Clone()
}

// Count returns how many rides are stored.
func (m *MockRideRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}

// CountActiveForStudent returns how many non-terminal rides the student owns.
func (m *MockRideRepository) CountActiveForStudent(studentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if r.StudentID == studentID && r.Status.IsActive() {
			n++
		}
	}
	return n
}

func (m *MockRideRepository) Insert(ctx context.Context, ride *domain.RideRequest) error {
	atomic.AddInt32(&m.InsertCallCount, 1)
	if m.InsertError != nil {
		return m.InsertError
	}

	m.mu.Lock()
	for _, r := range m.rides {
		if r.StudentID == ride.StudentID && r.Status.IsActive() {
			m.mu.Unlock()
			return repository.ErrActiveRequestExists
		}
	}
	m.rides[ride.ID] = ride.Clone()
	stored := ride.Clone()
	m.mu.Unlock()

	m.publish(ctx, feed.OpInsert, stored)
	return nil
}

func (m *MockRideRepository) ConditionalUpdate(ctx context.Context, id string, cond repository.RideCondition, patch repository.RidePatch) (*domain.RideRequest, error) {
	atomic.AddInt32(&m.ConditionalUpdateCallCount, 1)
	if m.ConditionalUpdateError != nil {
		return nil, m.ConditionalUpdateError
	}

	m.mu.Lock()
	ride, ok := m.rides[id]
	if !ok || !matches(ride, cond) {
		m.mu.Unlock()
		return nil, repository.ErrConditionFailed
	}
	ride.Status = patch.Status
	ride.UpdatedAt = patch.UpdatedAt
	if patch.SetDriver {
		ride.DriverID = patch.DriverID
	}
	if !patch.CancelledAt.IsZero() {
		ride.CancelledAt = patch.CancelledAt
	}
	updated := ride.Clone()
	m.mu.Unlock()

	m.publish(ctx, feed.OpUpdate, updated)
	return updated.Clone(), nil
}

func matches(ride *domain.RideRequest, cond repository.RideCondition) bool {
	statusOK := false
	for _, s := range cond.Statuses {
		if ride.Status == s {
			statusOK = true
			break
		}
	}
	if !statusOK {
		return false
	}
	if cond.StudentID != "" && ride.StudentID != cond.StudentID {
		return false
	}
	switch cond.Driver {
	case repository.DriverUnassigned:
		return ride.DriverID == ""
	case repository.DriverEquals:
		return ride.DriverID == cond.DriverID
	}
	return true
}

func (m *MockRideRepository) FindByID(ctx context.Context, id string) (*domain.RideRequest, error) {
	if m.FindByIDError != nil {
		return nil, m.FindByIDError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ride, ok := m.rides[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return ride.Clone(), nil
}

func (m *MockRideRepository) FindActiveByStudent(ctx context.Context, studentID string) (*domain.RideRequest, error) {
	if m.FindActiveError != nil {
		return nil, m.FindActiveError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.StudentID == studentID && r.Status.IsActive() {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MockRideRepository) FindActiveByDriver(ctx context.Context, driverID string) (*domain.RideRequest, error) {
	if m.FindActiveError != nil {
		return nil, m.FindActiveError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status.IsActive() {
			return r.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MockRideRepository) ListByStatus(ctx context.Context, statuses []domain.RideStatus, updatedBefore time.Time, limit int) ([]*domain.RideRequest, error) {
	if m.ListByStatusError != nil {
		return nil, m.ListByStatusError
	}
	m.mu.RLock()
	result := make([]*domain.RideRequest, 0)
	for _, r := range m.rides {
		if !r.UpdatedAt.Before(updatedBefore) {
			continue
		}
		for _, s := range statuses {
			if r.Status == s {
				result = append(result, r.Clone())
				break
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockRideRepository) publish(ctx context.Context, op feed.Op, ride *domain.RideRequest) {
	if m.Publisher == nil {
		return
	}
	_ = m.Publisher.Publish(ctx, feed.Event{ID: ride.ID, Op: op, Ride: ride, At: ride.UpdatedAt})
}

// ──────────────────────────────────────────────
// MOCK LOCATION STORE
// ──────────────────────────────────────────────

// MockLocationStore is an in-memory LocationStore. QueryNear filters by
// great-circle distance.
type MockLocationStore struct {
	mu       sync.RWMutex
	drivers  map[string]domain.DriverLocationRecord
	students map[string]domain.StudentLocationRecord

	// Counters
	UpsertDriverCallCount int32
	QueryNearCallCount    int32

	// Error injection
	UpsertDriverError error
	QueryNearError    error
}

// NewMockLocationStore creates a new mock location store.
func NewMockLocationStore() *MockLocationStore {
	return &MockLocationStore{
		drivers:  make(map[string]domain.DriverLocationRecord),
		students: make(map[string]domain.StudentLocationRecord),
	}
}

// SetDrivers replaces every driver record (for test setup).
func (m *MockLocationStore) SetDrivers(records ...domain.DriverLocationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers = make(map[string]domain.DriverLocationRecord, len(records))
	for _, rec := range records {
		m.drivers[rec.DriverID] = rec
	}
}

// Driver returns the stored record for driverID.
func (m *MockLocationStore) Driver(driverID string) (domain.DriverLocationRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.drivers[driverID]
	return rec, ok
}

func (m *MockLocationStore) UpsertDriver(ctx context.Context, rec domain.DriverLocationRecord) error {
	atomic.AddInt32(&m.UpsertDriverCallCount, 1)
	if m.UpsertDriverError != nil {
		return m.UpsertDriverError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.drivers[rec.DriverID]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}
	m.drivers[rec.DriverID] = rec
	return nil
}

func (m *MockLocationStore) SetDriverOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.drivers[driverID]
	if !ok {
		return repository.ErrNotFound
	}
	rec.IsOnline = online
	if !online {
		rec.IsActive = false
	}
	if at.After(rec.UpdatedAt) {
		rec.UpdatedAt = at
	}
	m.drivers[driverID] = rec
	return nil
}

func (m *MockLocationStore) UpsertStudent(ctx context.Context, rec domain.StudentLocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[rec.StudentID] = rec
	return nil
}

func (m *MockLocationStore) GetStudent(ctx context.Context, studentID string) (*domain.StudentLocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.students[studentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (m *MockLocationStore) QueryNear(ctx context.Context, center domain.Point, radiusMeters float64, filter repository.NearFilter) ([]domain.DriverLocationRecord, error) {
	atomic.AddInt32(&m.QueryNearCallCount, 1)
	if m.QueryNearError != nil {
		return nil, m.QueryNearError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]domain.DriverLocationRecord, 0)
	for _, rec := range m.drivers {
		if filter.OnlineOnly && !rec.IsOnline {
			continue
		}
		if filter.ActiveOnly && !rec.IsActive {
			continue
		}
		if geo.DistanceMeters(center, rec.Point) > radiusMeters {
			continue
		}
		result = append(result, rec)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

// ──────────────────────────────────────────────
// MOCK EXCLUSION STORE
// ──────────────────────────────────────────────

// MockExclusionStore is an in-memory decline set per ride.
type MockExclusionStore struct {
	mu       sync.Mutex
	declined map[string]map[string]bool

	// Error injection
	IsDeclinedError error
}

// NewMockExclusionStore creates a new mock exclusion store.
func NewMockExclusionStore() *MockExclusionStore {
	return &MockExclusionStore{
		declined: make(map[string]map[string]bool),
	}
}

func (m *MockExclusionStore) AddDeclined(ctx context.Context, rideID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.declined[rideID] == nil {
		m.declined[rideID] = make(map[string]bool)
	}
	m.declined[rideID][driverID] = true
	return nil
}

func (m *MockExclusionStore) IsDeclined(ctx context.Context, rideID, driverID string) (bool, error) {
	if m.IsDeclinedError != nil {
		return false, m.IsDeclinedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.declined[rideID][driverID], nil
}

func (m *MockExclusionStore) Declined(ctx context.Context, rideID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.declined[rideID]))
	for id := range m.declined[rideID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ──────────────────────────────────────────────
// MOCK LOCK STORE
// ──────────────────────────────────────────────

// MockLockStore is a mock implementation of LockStoreInterface.
type MockLockStore struct {
	mu    sync.Mutex
	locks map[string]time.Time

	// Counters
	AcquireCallCount int32
	ReleaseCallCount int32

	// Error injection
	AcquireError error

	// Force lock failure
	ForceAcquireFailure bool
}

// NewMockLockStore creates a new mock lock store.
func NewMockLockStore() *MockLockStore {
	return &MockLockStore{
		locks: make(map[string]time.Time),
	}
}

func (m *MockLockStore) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	atomic.AddInt32(&m.AcquireCallCount, 1)
	if m.AcquireError != nil {
		return false, m.AcquireError
	}
	if m.ForceAcquireFailure {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.locks[name]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[name] = time.Now().Add(ttl)
	return true, nil
}

func (m *MockLockStore) Release(ctx context.Context, name string) error {
	atomic.AddInt32(&m.ReleaseCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
	return nil
}

// IsLocked checks if a lock is currently held.
func (m *MockLockStore) IsLocked(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.locks[name]
	return ok && time.Now().Before(expiry)
}

// ──────────────────────────────────────────────
// MOCK CACHE STORE
// ──────────────────────────────────────────────

// MockCacheStore is a mock implementation of CacheStoreInterface.
type MockCacheStore struct {
	mu        sync.Mutex
	addresses map[string]*redis.CachedAddress

	// Counters
	GetCallCount int32
	SetCallCount int32
}

// NewMockCacheStore creates a new mock cache store.
func NewMockCacheStore() *MockCacheStore {
	return &MockCacheStore{
		addresses: make(map[string]*redis.CachedAddress),
	}
}

func (m *MockCacheStore) GetAddress(ctx context.Context, cell string) (*redis.CachedAddress, error) {
	atomic.AddInt32(&m.GetCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addresses[cell], nil
}

func (m *MockCacheStore) SetAddress(ctx context.Context, cell string, addr *redis.CachedAddress) error {
	atomic.AddInt32(&m.SetCallCount, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[cell] = addr
	return nil
}

// ──────────────────────────────────────────────
// MOCK NOTIFICATION SENDER
// ──────────────────────────────────────────────

// MockSender records every notification it is asked to deliver.
type MockSender struct {
	mu   sync.Mutex
	sent []service.Notification
}

// NewMockSender creates a new mock sender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Send(ctx context.Context, n service.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns a copy of every notification delivered so far.
func (m *MockSender) Sent() []service.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]service.Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// ──────────────────────────────────────────────
// INTERFACE CHECKS
// ──────────────────────────────────────────────

var (
	_ repository.RideRepository     = (*MockRideRepository)(nil)
	_ repository.LocationStore      = (*MockLocationStore)(nil)
	_ redis.ExclusionStoreInterface = (*MockExclusionStore)(nil)
	_ redis.LockStoreInterface      = (*MockLockStore)(nil)
	_ redis.CacheStoreInterface     = (*MockCacheStore)(nil)
	_ service.Sender                = (*MockSender)(nil)
)
