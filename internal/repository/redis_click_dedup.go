package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClickDeduper claims click signatures with SET NX PX so duplicates are caught
// across instances.
type RedisClickDeduper struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClickDeduper(client redis.UniversalClient, prefix string) *RedisClickDeduper {
	return &RedisClickDeduper{client: client, prefix: prefix + "click:"}
}

func (d *RedisClickDeduper) FirstSeen(ctx context.Context, signature string, window time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+signature, 1, window).Result()
}
