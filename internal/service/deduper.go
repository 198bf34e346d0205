package service

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// ClickDeduper remembers click signatures for a window.
type ClickDeduper interface {
	// FirstSeen records the signature and reports whether it was unseen within the window.
	FirstSeen(ctx context.Context, signature string, window time.Duration) (bool, error)
}

type MemoryClickDeduper struct {
	seen *cache.Cache
}

func NewMemoryClickDeduper(cleanupInterval time.Duration) *MemoryClickDeduper {
	return &MemoryClickDeduper{seen: cache.New(cache.NoExpiration, cleanupInterval)}
}

func (d *MemoryClickDeduper) FirstSeen(_ context.Context, signature string, window time.Duration) (bool, error) {
	// Add fails while an unexpired entry exists
	return d.seen.Add(signature, struct{}{}, window) == nil, nil
}
