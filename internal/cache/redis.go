package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates a Redis client from a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}
	return redis.NewClient(opts), nil
}

// Ping verifies the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}

// URLHash8 returns the first 8 hex characters of the MD5 digest of an
// upstream URL. It keeps breaker and health cache keys stable under
// upstream-list edits.
func URLHash8(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])[:8]
}
