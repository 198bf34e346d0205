package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"github.com/leadwall/bidgate/internal/pkg/metrics"
	"github.com/sourcegraph/conc"
)

// OutcomeRepo is the durable analytics sink.
type OutcomeRepo interface {
	InsertBid(ctx context.Context, rec *model.BidRecord) error
	InsertClick(ctx context.Context, rec *model.ClickRecord) error
}

// ClickLister is implemented by repos that can read click history back.
type ClickLister interface {
	RecentClicks(ctx context.Context, limit int) ([]*model.ClickRecord, error)
}

type outcome struct {
	bid   *model.BidRecord
	click *model.ClickRecord
}

// Recorder ships bid and click outcomes to the sink off the request path. A full
// buffer drops the record.
type Recorder struct {
	mu     sync.RWMutex
	closed bool
	ch     chan outcome

	recent *clickBuffer
	repo   OutcomeRepo
	log    *slog.Logger
	wg     conc.WaitGroup
}

func NewRecorder(bufferSize, recentMax int, repo OutcomeRepo) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	r := &Recorder{
		ch:     make(chan outcome, bufferSize),
		recent: newClickBuffer(recentMax),
		repo:   repo,
		log:    logger.Component("recorder"),
	}
	r.wg.Go(r.drain)
	return r
}

func (r *Recorder) RecordBid(vertical string, resp *model.BidResponse) {
	if resp == nil {
		return
	}
	r.enqueue(outcome{bid: &model.BidRecord{Vertical: vertical, Response: resp}}, "bid")
}

func (r *Recorder) RecordClick(rec *model.ClickRecord) {
	if rec == nil {
		return
	}
	r.recent.Add(rec)
	r.enqueue(outcome{click: rec}, "click")
}

func (r *Recorder) enqueue(o outcome, kind string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.RecorderDropped.WithLabelValues(kind).Inc()
		return
	}
	select {
	case r.ch <- o:
	default:
		metrics.RecorderDropped.WithLabelValues(kind).Inc()
		r.log.Warn("outcome buffer full, dropping record", "kind", kind)
	}
}

// RecentClicks returns the newest click records first, optionally filtered by status.
// Unfiltered reads go to the repo when it can list. The local ring serves status
// filters and repo failures.
func (r *Recorder) RecentClicks(ctx context.Context, limit int, status model.ClickStatus) []*model.ClickRecord {
	if lister, ok := r.repo.(ClickLister); ok && status == "" {
		recs, err := lister.RecentClicks(ctx, limit)
		if err == nil {
			return recs
		}
		logger.LogError(ctx, err, "failed to read click history, using local buffer")
	}
	return r.recent.List(limit, status)
}

func (r *Recorder) drain() {
	for o := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		switch {
		case o.bid != nil:
			r.writeBid(ctx, o.bid)
		case o.click != nil:
			r.writeClick(ctx, o.click)
		}
		cancel()
	}
}

func (r *Recorder) writeBid(ctx context.Context, rec *model.BidRecord) {
	if r.repo == nil {
		r.log.Debug("bid outcome",
			"request_id", rec.Response.RequestID,
			"lead_id", rec.Response.LeadID,
			"vertical", rec.Vertical,
			"selected", len(rec.Response.Bids),
			"received", rec.Response.TotalBidsReceived,
		)
		return
	}
	if err := r.repo.InsertBid(ctx, rec); err != nil {
		logger.LogError(ctx, err, "failed to persist bid outcome", "request_id", rec.Response.RequestID)
	}
}

func (r *Recorder) writeClick(ctx context.Context, rec *model.ClickRecord) {
	if r.repo == nil {
		r.log.Debug("click outcome",
			"click_id", rec.Response.ClickID,
			"bid_id", rec.BidID,
			"status", rec.Response.Status,
		)
		return
	}
	if err := r.repo.InsertClick(ctx, rec); err != nil {
		logger.LogError(ctx, err, "failed to persist click outcome", "click_id", rec.Response.ClickID)
	}
}

// Close stops accepting records and waits for the buffer to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}

type clickBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.ClickRecord
	nextIndex int
}

func newClickBuffer(maxSize int) *clickBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &clickBuffer{
		maxSize: maxSize,
		records: make([]*model.ClickRecord, 0, maxSize),
	}
}

func (b *clickBuffer) Add(rec *model.ClickRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, rec)
		return
	}
	b.records[b.nextIndex] = rec
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *clickBuffer) List(limit int, status model.ClickStatus) []*model.ClickRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.ClickRecord, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		// when the buffer is not yet full nextIndex is 0 and the newest record is last
		idx := (b.nextIndex + total - 1 - i) % total
		rec := b.records[idx]
		if status != "" && rec.Response.Status != status {
			continue
		}
		results = append(results, rec)
		if len(results) >= limit {
			break
		}
	}
	return results
}
