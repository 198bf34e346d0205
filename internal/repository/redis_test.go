package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{Redis: config.RedisConfig{Addr: mr.Addr()}}

	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(&config.Config{})
	assert.Error(t, err)
}

func TestRedisBidCacheRoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewRedisBidCache(client, "bg:")
	ctx := context.Background()

	resp := &model.BidResponse{
		RequestID: "req-1",
		LeadID:    "lead-1",
		Bids:      []model.Bid{{BidID: "b1", PartnerID: "p1", BidPrice: 2.5, NormalizedPrice: 2.5}},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, cache.Put(ctx, "lead-1", resp, 30*time.Second))
	assert.True(t, mr.Exists("bg:bids:lead-1"))

	got, ok, err := cache.Get(ctx, "lead-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "req-1", got.RequestID)
	require.Len(t, got.Bids, 1)
	assert.Equal(t, 2.5, got.Bids[0].NormalizedPrice)

	mr.FastForward(31 * time.Second)
	_, ok, err = cache.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBidCacheInvalidateAndCorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewRedisBidCache(client, "bg:")
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "lead-1", &model.BidResponse{LeadID: "lead-1"}, time.Minute))
	require.NoError(t, cache.Invalidate(ctx, "lead-1"))
	_, ok, err := cache.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("bg:bids:lead-2", "not json"))
	_, ok, err = cache.Get(ctx, "lead-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBidCacheSurfacesConnectionErrors(t *testing.T) {
	mr, client := newTestRedis(t)
	cache := NewRedisBidCache(client, "bg:")
	mr.Close()

	_, _, err := cache.Get(context.Background(), "lead-1")
	assert.Error(t, err)
}

func TestRedisClickDeduper(t *testing.T) {
	mr, client := newTestRedis(t)
	dedup := NewRedisClickDeduper(client, "bg:")
	ctx := context.Background()

	first, err := dedup.FirstSeen(ctx, "sig", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := dedup.FirstSeen(ctx, "sig", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(11 * time.Second)
	afterWindow, err := dedup.FirstSeen(ctx, "sig", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, afterWindow)
}

func TestRedisOutcomeRepoCapsLists(t *testing.T) {
	mr, client := newTestRedis(t)
	repo := NewRedisOutcomeRepo(client, "bg:", 2)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, repo.InsertClick(ctx, &model.ClickRecord{
			BidID:    "b1",
			Response: model.ClickResponse{ClickID: id, Status: model.ClickValid},
		}))
	}
	require.NoError(t, repo.InsertBid(ctx, &model.BidRecord{Vertical: "auto", Response: &model.BidResponse{RequestID: "r1"}}))

	items, err := mr.List("bg:outcomes:clicks")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	recent, err := repo.RecentClicks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c3", recent[0].Response.ClickID)
	assert.Equal(t, "c2", recent[1].Response.ClickID)

	bids, err := mr.List("bg:outcomes:bids")
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}
