package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockStore handles distributed locking in Redis.
type LockStore struct {
	client *redis.Client
	owner  string
}

// NewLockStore creates a new LockStore. owner identifies this process as
// the lock holder.
func NewLockStore(client *redis.Client, owner string) *LockStore {
	return &LockStore{client: client, owner: owner}
}

// Acquire attempts to take the named lock for ttl.
// Returns true if the lock was acquired, false if already held by someone else.
func (s *LockStore) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(name), s.owner, ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

// Release releases the named lock if this owner holds it.
func (s *LockStore) Release(ctx context.Context, name string) error {
	return releaseScript.Run(ctx, s.client, []string{lockKey(name)}, s.owner).Err()
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}
