package repository

import (
	"context"
	"encoding/json"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisOutcomeRepo keeps capped lists of recent outcomes when no database is configured.
type RedisOutcomeRepo struct {
	client   redis.UniversalClient
	bidsKey  string
	clickKey string
	listMax  int64
}

func NewRedisOutcomeRepo(client redis.UniversalClient, prefix string, listMax int) *RedisOutcomeRepo {
	if listMax <= 0 {
		listMax = 10000
	}
	return &RedisOutcomeRepo{
		client:   client,
		bidsKey:  prefix + "outcomes:bids",
		clickKey: prefix + "outcomes:clicks",
		listMax:  int64(listMax),
	}
}

func (r *RedisOutcomeRepo) InsertBid(ctx context.Context, rec *model.BidRecord) error {
	return r.push(ctx, r.bidsKey, rec)
}

func (r *RedisOutcomeRepo) InsertClick(ctx context.Context, rec *model.ClickRecord) error {
	return r.push(ctx, r.clickKey, rec)
}

func (r *RedisOutcomeRepo) push(ctx context.Context, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, r.listMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentClicks reads back the newest click records.
func (r *RedisOutcomeRepo) RecentClicks(ctx context.Context, limit int) ([]*model.ClickRecord, error) {
	if limit <= 0 || int64(limit) > r.listMax {
		limit = 100
	}
	items, err := r.client.LRange(ctx, r.clickKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.ClickRecord, 0, len(items))
	for _, item := range items {
		var rec model.ClickRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}
