package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const declinedPrefix = "ride:declined:"

// ExclusionStore remembers which drivers declined a ride so they are not
// offered it again.
type ExclusionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewExclusionStore creates a new ExclusionStore. Entries expire after ttl.
func NewExclusionStore(client *redis.Client, ttl time.Duration) *ExclusionStore {
	return &ExclusionStore{client: client, ttl: ttl}
}

// AddDeclined records that driverID declined rideID.
func (s *ExclusionStore) AddDeclined(ctx context.Context, rideID, driverID string) error {
	key := declinedPrefix + rideID
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, driverID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// IsDeclined reports whether driverID declined rideID.
func (s *ExclusionStore) IsDeclined(ctx context.Context, rideID, driverID string) (bool, error) {
	return s.client.SIsMember(ctx, declinedPrefix+rideID, driverID).Result()
}

// Declined returns every driver that declined rideID.
func (s *ExclusionStore) Declined(ctx context.Context, rideID string) ([]string, error) {
	return s.client.SMembers(ctx, declinedPrefix+rideID).Result()
}
