package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisBidCache shares cached bid responses across instances. Expiry is left to Redis.
type RedisBidCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBidCache(client redis.UniversalClient, prefix string) *RedisBidCache {
	return &RedisBidCache{client: client, prefix: prefix + "bids:"}
}

func (c *RedisBidCache) key(leadID string) string {
	return c.prefix + leadID
}

func (c *RedisBidCache) Put(ctx context.Context, leadID string, resp *model.BidResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode bid response: %w", err)
	}
	return c.client.Set(ctx, c.key(leadID), payload, ttl).Err()
}

func (c *RedisBidCache) Get(ctx context.Context, leadID string) (*model.BidResponse, bool, error) {
	payload, err := c.client.Get(ctx, c.key(leadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var resp model.BidResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		// a corrupt entry is a miss, the next auction overwrites it
		return nil, false, nil
	}
	return &resp, true, nil
}

func (c *RedisBidCache) Invalidate(ctx context.Context, leadID string) error {
	return c.client.Del(ctx, c.key(leadID)).Err()
}
