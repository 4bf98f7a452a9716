package cooldown

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "video_acquirer:cooldown:"
	pingTimeout = 5 * time.Second
)

// Redis is a Gate shared by every process pointed at the same server. Keys
// expire on their own, so an open window is simply a missing key.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.rdb.PTTL(ctx, keyPrefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown %s: %w", key, err)
	}

	// missing keys and keys without expiry come back negative
	if ttl <= 0 {
		return 0, nil
	}

	return ttl, nil
}

func (r *Redis) Trip(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	left, err := r.Remaining(ctx, key)
	if err != nil {
		return err
	}

	if left >= d {
		return nil
	}

	if err := r.rdb.Set(ctx, keyPrefix+key, time.Now().Add(d).UnixMilli(), d).Err(); err != nil {
		return fmt.Errorf("failed to trip cooldown %s: %w", key, err)
	}

	return nil
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
