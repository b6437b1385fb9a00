// Package cache wraps the shared cache used for counters, quota mirrors and locks.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("cache key not found")

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire moves the TTL of KEYS[1] to ARGV[2] milliseconds only while
// it still holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client wraps redis.Client with key prefixing and the primitives the engine needs.
type Client struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// Options configure a new Client.
type Options struct {
	URL        string
	Prefix     string
	MaxRetries uint
}

// NewClient connects to the cache and verifies the connection with retry.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*Client, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(redisOpts)
	logger = logger.With("module", "cache")

	maxTries := opts.MaxRetries + 1

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = 100 * time.Millisecond
	exponential.MaxInterval = 2 * time.Second

	_, err = backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WarnContext(ctx, "redis connection failed, retrying", "backoff", next, "error", err)
		}),
	)
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", maxTries, err)
	}

	logger.InfoContext(ctx, "redis connected", "addr", redisOpts.Addr)

	return &Client{client: client, prefix: opts.Prefix, logger: logger}, nil
}

// Wrap builds a Client around an existing redis client.
func Wrap(client *redis.Client, prefix string, logger *slog.Logger) *Client {
	return &Client{client: client, prefix: prefix, logger: logger.With("module", "cache")}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks if the cache is available.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// Key applies the configured prefix.
func (c *Client) Key(key string) string {
	return c.prefix + key
}

// Get retrieves a string value.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}

	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}

	return val, nil
}

// Set stores a value with an optional TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// IncrBy adds delta to an integer key and returns the new value.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := c.client.IncrBy(ctx, c.Key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby: %w", err)
	}

	return val, nil
}

// MGetInt reads several integer keys at once. Missing keys are omitted.
func (c *Client) MGetInt(ctx context.Context, keys ...string) (map[string]int64, error) {
	values := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.Key(key)
	}

	raw, err := c.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	for i, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}

		parsed, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis mget: key %s is not an integer: %w", keys[i], err)
		}

		values[keys[i]] = parsed
	}

	return values, nil
}

// SetNX stores value only if key does not exist, with a TTL.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.Key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}

	return ok, nil
}

// CompareAndDelete deletes key only if it still holds token.
func (c *Client) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	deleted, err := compareAndDelete.Run(ctx, c.client, []string{c.Key(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete: %w", err)
	}

	return deleted == 1, nil
}

// CompareAndExpire resets the TTL of key only if it still holds token.
func (c *Client) CompareAndExpire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	extended, err := compareAndExpire.Run(ctx, c.client, []string{c.Key(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-expire: %w", err)
	}

	return extended == 1, nil
}
