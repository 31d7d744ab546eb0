package redis

import (
	"context"
	"time"

	"campusride/internal/repository"
)

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// ExclusionStoreInterface defines the interface for per-ride decline sets.
type ExclusionStoreInterface interface {
	AddDeclined(ctx context.Context, rideID, driverID string) error
	IsDeclined(ctx context.Context, rideID, driverID string) (bool, error)
	Declined(ctx context.Context, rideID string) ([]string, error)
}

// CacheStoreInterface defines the interface for address label caching.
type CacheStoreInterface interface {
	GetAddress(ctx context.Context, cell string) (*CachedAddress, error)
	SetAddress(ctx context.Context, cell string, addr *CachedAddress) error
}

// Ensure concrete types implement interfaces.
var (
	_ repository.LocationStore = (*LocationStore)(nil)
	_ LockStoreInterface       = (*LockStore)(nil)
	_ ExclusionStoreInterface  = (*ExclusionStore)(nil)
	_ CacheStoreInterface      = (*CacheStore)(nil)
)
