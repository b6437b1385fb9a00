package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/conductor/pkg/cache"
	"github.com/google/uuid"
)

const redisKeyPrefix = "lock:"

// RedisStrategy grants locks as tokened keys with a TTL; release and extend
// only touch the key while it still holds the grant's token.
type RedisStrategy struct {
	client *cache.Client
}

// NewRedisStrategy creates a cache-backed lock strategy.
func NewRedisStrategy(client *cache.Client) *RedisStrategy {
	return &RedisStrategy{client: client}
}

func (r *RedisStrategy) Mode() Mode { return ModeRedis }

func (r *RedisStrategy) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Grant, error) {
	key := redisKeyPrefix + resource
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	release := func(ctx context.Context) error {
		deleted, err := r.client.CompareAndDelete(ctx, key, token)
		if err != nil {
			return err
		}

		if !deleted {
			return fmt.Errorf("lock %q expired or was taken over before release", resource)
		}

		return nil
	}

	extend := func(ctx context.Context, ttl time.Duration) error {
		extended, err := r.client.CompareAndExpire(ctx, key, token, ttl)
		if err != nil {
			return err
		}

		if !extended {
			return fmt.Errorf("%w: %s", ErrLockLost, resource)
		}

		return nil
	}

	return &Grant{Release: release, Extend: extend}, nil
}
