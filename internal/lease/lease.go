// Package lease elects one sweep runner per tick across replicas using a
// Redis key with a TTL.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key guarding the auto-release sweep.
const DefaultKey = "escrowd:sweep:lease"

// minTTL keeps a very short sweep interval from producing a lease that
// expires before the cycle starts.
const minTTL = time.Second

// RedisLease is a SET NX lease. Whoever sets the key first owns the tick;
// the key expires on its own, so a crashed holder never blocks the next one.
type RedisLease struct {
	client *redis.Client
	key    string
	holder string
}

// New wraps an existing client.
func New(client *redis.Client, key string) *RedisLease {
	if key == "" {
		key = DefaultKey
	}
	return &RedisLease{client: client, key: key, holder: uuid.NewString()}
}

// Open parses url, connects and verifies the server answers.
func Open(ctx context.Context, url, key string) (*RedisLease, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return New(client, key), nil
}

// Holder identifies this process in the lease value.
func (l *RedisLease) Holder() string { return l.holder }

// Acquire claims the lease for ttl. It returns false when another holder
// claimed it first.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl < minTTL {
		ttl = minTTL
	}
	ok, err := l.client.SetNX(ctx, l.key, l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Release drops the lease if this process still holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Ping reports whether Redis is reachable.
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the client.
func (l *RedisLease) Close() error {
	return l.client.Close()
}
