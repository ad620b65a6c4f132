package dedup

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

var _ Deduper = (*Redis)(nil)

// Redis is a Deduper shared by every instance connected to the same Redis.
// Keys are stored with SET NX and expire after ttl.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis deduper. prefix namespaces the keys.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Claim implements Deduper.
func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "claim %q", key)
	}
	return ok, nil
}

// Release implements Deduper.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "release %q", key)
	}
	return nil
}
