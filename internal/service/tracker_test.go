package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type healthMock struct {
	mock.Mock
}

func (m *healthMock) Penalize(partnerID string) {
	m.Called(partnerID)
}

type clickSinkStub struct {
	mu      sync.Mutex
	records []*model.ClickRecord
}

func (s *clickSinkStub) RecordClick(rec *model.ClickRecord) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
}

type failingCache struct{}

func (failingCache) Put(context.Context, string, *model.BidResponse, time.Duration) error {
	return errors.New("down")
}
func (failingCache) Get(context.Context, string) (*model.BidResponse, bool, error) {
	return nil, false, errors.New("down")
}
func (failingCache) Invalidate(context.Context, string) error { return errors.New("down") }

var trackerNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type trackerFixture struct {
	tracker *Tracker
	cache   *MemoryBidCache
	health  *healthMock
	sink    *clickSinkStub
}

func newTrackerFixture(t *testing.T, settings TrackerSettings) *trackerFixture {
	t.Helper()
	cache := NewMemoryBidCache(time.Minute, time.Minute)
	served := &model.BidResponse{
		RequestID: "req-1",
		LeadID:    "lead-1",
		Bids: []model.Bid{
			{BidID: "bid-live", PartnerID: "p1", BidPrice: 1.2, Expiration: trackerNow.Add(time.Minute)},
			{BidID: "bid-old", PartnerID: "p2", BidPrice: 0.9, Expiration: trackerNow.Add(-time.Second)},
		},
		Metrics: model.BidMetrics{ProcessingEnd: trackerNow.Add(-10 * time.Second)},
	}
	require.NoError(t, cache.Put(context.Background(), "lead-1", served, time.Minute))

	health := &healthMock{}
	sink := &clickSinkStub{}
	tr := NewTracker(cache, NewMemoryClickDeduper(time.Minute), health, sink, settings)
	tr.now = func() time.Time { return trackerNow }
	return &trackerFixture{tracker: tr, cache: cache, health: health, sink: sink}
}

func click(bidID string) model.ClickEvent {
	return model.ClickEvent{
		ClickID:   "click-1",
		BidID:     bidID,
		LeadID:    "lead-1",
		ClickedAt: trackerNow,
		IP:        "198.51.100.7",
		UserAgent: "Mozilla/5.0",
	}
}

func TestTrackClickValid(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})
	resp := f.tracker.TrackClick(context.Background(), click("bid-live"))

	assert.Equal(t, model.ClickValid, resp.Status)
	assert.False(t, resp.FraudDetected)
	assert.Empty(t, resp.ErrorMessage)
	assert.Equal(t, "click-1", resp.ClickID)
	assert.Equal(t, trackerNow, resp.ProcessedAt)
	assert.Equal(t, true, resp.ValidationResults["bid_found"])
	assert.Equal(t, "p1", resp.ValidationResults["partner_id"])

	require.Len(t, f.sink.records, 1)
	assert.Equal(t, "p1", f.sink.records[0].PartnerID)
	assert.Equal(t, model.ClickValid, f.sink.records[0].Response.Status)
}

func TestTrackClickDuplicateIsSuspicious(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{DuplicateWindow: 10 * time.Second})

	first := f.tracker.TrackClick(context.Background(), click("bid-live"))
	second := click("bid-live")
	second.ClickID = "click-2"
	again := f.tracker.TrackClick(context.Background(), second)

	assert.Equal(t, model.ClickValid, first.Status)
	assert.Equal(t, model.ClickSuspicious, again.Status)
	assert.True(t, again.FraudDetected)
	assert.Equal(t, []string{reasonDuplicate}, again.ValidationResults["fraud_reasons"])
}

func TestTrackClickDifferentRequesterIsNotDuplicate(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})
	f.tracker.TrackClick(context.Background(), click("bid-live"))

	other := click("bid-live")
	other.IP = "203.0.113.9"
	resp := f.tracker.TrackClick(context.Background(), other)
	assert.Equal(t, model.ClickValid, resp.Status)
}

func TestTrackClickUnknownBid(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})

	resp := f.tracker.TrackClick(context.Background(), click("bid-missing"))
	assert.Equal(t, model.ClickInvalid, resp.Status)
	assert.Equal(t, model.CodeBidNotFound, resp.ErrorMessage)

	ev := click("bid-live")
	ev.LeadID = "lead-unknown"
	resp = f.tracker.TrackClick(context.Background(), ev)
	assert.Equal(t, model.ClickInvalid, resp.Status)
	assert.Equal(t, model.CodeBidNotFound, resp.ErrorMessage)
	assert.Equal(t, false, resp.ValidationResults["lead_found"])
}

func TestTrackClickExpiredBid(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})
	resp := f.tracker.TrackClick(context.Background(), click("bid-old"))
	assert.Equal(t, model.ClickInvalid, resp.Status)
	assert.Equal(t, model.CodeBidExpired, resp.ErrorMessage)
}

func TestTrackClickMalformedEvent(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})
	resp := f.tracker.TrackClick(context.Background(), model.ClickEvent{BidID: "bid-live"})

	assert.Equal(t, model.ClickInvalid, resp.Status)
	assert.Equal(t, CodeInvalidRequest, resp.ErrorMessage)
	assert.Equal(t, []string{"clickId", "leadId"}, resp.ValidationResults["missing_fields"])
}

func TestTrackClickCacheFailure(t *testing.T) {
	tr := NewTracker(failingCache{}, NewMemoryClickDeduper(time.Minute), nil, nil, TrackerSettings{})
	resp := tr.TrackClick(context.Background(), click("bid-live"))
	assert.Equal(t, model.ClickError, resp.Status)
	assert.Equal(t, CodeCacheError, resp.ErrorMessage)
}

func TestTrackClickFraudSignals(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})

	ev := click("bid-live")
	ev.FraudSignals = map[string]interface{}{"headless": true, "bot": "false", "vpnScore": 0.9}
	resp := f.tracker.TrackClick(context.Background(), ev)

	assert.Equal(t, model.ClickSuspicious, resp.Status)
	assert.Equal(t, []string{"signal_headless"}, resp.ValidationResults["fraud_reasons"])
}

func TestTrackClickTooFast(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{MinClickDelay: time.Minute})
	resp := f.tracker.TrackClick(context.Background(), click("bid-live"))
	assert.Equal(t, model.ClickSuspicious, resp.Status)
	assert.Equal(t, []string{reasonTooFast}, resp.ValidationResults["fraud_reasons"])
}

func TestTrackClickPenalizesPartner(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{PenalizePartner: true})
	f.health.On("Penalize", "p1").Once()

	f.tracker.TrackClick(context.Background(), click("bid-live"))
	resp := f.tracker.TrackClick(context.Background(), click("bid-live"))

	assert.Equal(t, model.ClickSuspicious, resp.Status)
	assert.Equal(t, true, resp.ValidationResults["partner_penalized"])
	f.health.AssertExpectations(t)
}

func TestTrackClickDoesNotPenalizeByDefault(t *testing.T) {
	f := newTrackerFixture(t, TrackerSettings{})
	f.tracker.TrackClick(context.Background(), click("bid-live"))
	f.tracker.TrackClick(context.Background(), click("bid-live"))
	f.health.AssertNotCalled(t, "Penalize", mock.Anything)
}

func TestClickSignatureUsesUserDataFallback(t *testing.T) {
	a := model.ClickEvent{BidID: "b", IP: "1.1.1.1", UserAgent: "ua"}
	b := model.ClickEvent{BidID: "b", UserData: model.UserData{IP: "1.1.1.1", UserAgent: "ua"}}
	assert.Equal(t, clickSignature(a), clickSignature(b))
}
