package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddressCacheTTL bounds how long a resolved landmark label is reused.
// Landmarks are static configuration, so this only limits staleness after
// a config change.
const AddressCacheTTL = 6 * time.Hour

const addressCachePrefix = "cache:address:"

// CachedAddress is a resolved landmark reference for one geohash cell.
type CachedAddress struct {
	Name           string  `json:"name"`
	DistanceMeters float64 `json:"distance_meters"`
}

// CacheStore handles address caching in Redis.
type CacheStore struct {
	client *redis.Client
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// GetAddress retrieves an address label from cache.
func (s *CacheStore) GetAddress(ctx context.Context, cell string) (*CachedAddress, error) {
	data, err := s.client.Get(ctx, addressCachePrefix+cell).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var addr CachedAddress
	if err := json.Unmarshal(data, &addr); err != nil {
		return nil, err
	}
	return &addr, nil
}

// SetAddress stores an address label in cache.
func (s *CacheStore) SetAddress(ctx context.Context, cell string, addr *CachedAddress) error {
	data, err := json.Marshal(addr)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, addressCachePrefix+cell, data, AddressCacheTTL).Err()
}
