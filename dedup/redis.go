package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long processed ids are remembered by the redis inbox
const DefaultTTL = 24 * time.Hour

// NewRedis constructs a Guard keeping processed ids in redis under prefix
// for ttl
func NewRedis(rdb redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Redis is a Guard keeping marked ids as keys expiring after ttl
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func (r *Redis) key(id string) string { return r.prefix + ":" + id }

// Seen reports whether id was marked within ttl
func (r *Redis) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Mark records id as processed for ttl
func (r *Redis) Mark(ctx context.Context, id, eventType string) error {
	return r.rdb.Set(ctx, r.key(id), eventType, r.ttl).Err()
}
