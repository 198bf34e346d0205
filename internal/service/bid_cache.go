package service

import (
	"context"
	"time"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/patrickmn/go-cache"
)

// BidCache holds the latest BidResponse per lead for a short TTL. Writes overwrite.
type BidCache interface {
	Put(ctx context.Context, leadID string, resp *model.BidResponse, ttl time.Duration) error
	Get(ctx context.Context, leadID string) (*model.BidResponse, bool, error)
	Invalidate(ctx context.Context, leadID string) error
}

// MemoryBidCache keeps responses in process. Expired entries are evicted when read and
// by the periodic janitor.
type MemoryBidCache struct {
	items *cache.Cache
}

func NewMemoryBidCache(defaultTTL, cleanupInterval time.Duration) *MemoryBidCache {
	return &MemoryBidCache{items: cache.New(defaultTTL, cleanupInterval)}
}

func (c *MemoryBidCache) Put(_ context.Context, leadID string, resp *model.BidResponse, ttl time.Duration) error {
	if resp == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	stored := *resp
	stored.Cached = false
	c.items.Set(leadID, &stored, ttl)
	return nil
}

func (c *MemoryBidCache) Get(_ context.Context, leadID string) (*model.BidResponse, bool, error) {
	v, _, found := c.items.GetWithExpiration(leadID)
	if !found {
		c.items.Delete(leadID)
		return nil, false, nil
	}
	stored, ok := v.(*model.BidResponse)
	if !ok {
		return nil, false, nil
	}
	out := *stored
	return &out, true, nil
}

func (c *MemoryBidCache) Invalidate(_ context.Context, leadID string) error {
	c.items.Delete(leadID)
	return nil
}
