package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"github.com/leadwall/bidgate/internal/pkg/metrics"
)

const (
	CodeInvalidRequest = "invalid_request"
	CodeCacheError     = "cache_error"

	reasonDuplicate = "duplicate_click"
	reasonTooFast   = "click_too_fast"
)

// fraudSignalKeys are the client-side signals that mark a click suspicious on their own.
var fraudSignalKeys = []string{"bot", "headless", "proxy"}

// Penalizer counts a failure against a partner outside of a call. *breaker.Breaker satisfies it.
type Penalizer interface {
	Penalize(partnerID string)
}

type ClickSink interface {
	RecordClick(rec *model.ClickRecord)
}

type TrackerSettings struct {
	DuplicateWindow time.Duration
	MinClickDelay   time.Duration
	PenalizePartner bool
}

func TrackerSettingsFromConfig(cfg config.ClickConfig) TrackerSettings {
	return TrackerSettings{
		DuplicateWindow: time.Duration(cfg.DuplicateWindowSeconds) * time.Second,
		MinClickDelay:   time.Duration(cfg.MinClickDelayMs) * time.Millisecond,
		PenalizePartner: cfg.PenalizePartner,
	}
}

// Tracker classifies clicks against the bids that were actually served.
type Tracker struct {
	cache    BidCache
	dedup    ClickDeduper
	health   Penalizer
	sink     ClickSink
	settings TrackerSettings
	log      *slog.Logger
	now      func() time.Time
}

func NewTracker(cache BidCache, dedup ClickDeduper, health Penalizer, sink ClickSink, settings TrackerSettings) *Tracker {
	if settings.DuplicateWindow <= 0 {
		settings.DuplicateWindow = 10 * time.Second
	}
	return &Tracker{
		cache:    cache,
		dedup:    dedup,
		health:   health,
		sink:     sink,
		settings: settings,
		log:      logger.Component("tracker"),
		now:      time.Now,
	}
}

// TrackClick never fails; every problem becomes part of the returned classification.
func (t *Tracker) TrackClick(ctx context.Context, ev model.ClickEvent) model.ClickResponse {
	now := t.now()
	resp := model.ClickResponse{
		ClickID:           ev.ClickID,
		ProcessedAt:       now,
		ValidationResults: map[string]interface{}{},
	}
	partnerID, reason := t.classify(ctx, ev, now, &resp)

	if resp.Status == model.ClickSuspicious && t.settings.PenalizePartner && partnerID != "" && t.health != nil {
		t.health.Penalize(partnerID)
		resp.ValidationResults["partner_penalized"] = true
	}

	metrics.ClicksTotal.WithLabelValues(string(resp.Status), reason).Inc()
	if t.sink != nil {
		t.sink.RecordClick(&model.ClickRecord{
			LeadID:    ev.LeadID,
			BidID:     ev.BidID,
			PartnerID: partnerID,
			IP:        ev.ClientIP(),
			UserAgent: ev.ClientUserAgent(),
			Response:  resp,
		})
	}
	return resp
}

// classify fills resp and returns the bid's partner plus a short reason label.
func (t *Tracker) classify(ctx context.Context, ev model.ClickEvent, now time.Time, resp *model.ClickResponse) (string, string) {
	results := resp.ValidationResults

	if missing := missingClickFields(ev); len(missing) > 0 {
		resp.Status = model.ClickInvalid
		resp.ErrorMessage = CodeInvalidRequest
		results["missing_fields"] = missing
		return "", CodeInvalidRequest
	}

	cached, found, err := t.cache.Get(ctx, ev.LeadID)
	if err != nil {
		t.log.Warn("bid cache lookup failed", "lead_id", ev.LeadID, "error", err)
		resp.Status = model.ClickError
		resp.ErrorMessage = CodeCacheError
		return "", CodeCacheError
	}
	results["lead_found"] = found
	if !found {
		resp.Status = model.ClickInvalid
		resp.ErrorMessage = model.CodeBidNotFound
		results["bid_found"] = false
		return "", model.CodeBidNotFound
	}

	bid, ok := cached.FindBid(ev.BidID)
	results["bid_found"] = ok
	if !ok {
		resp.Status = model.ClickInvalid
		resp.ErrorMessage = model.CodeBidNotFound
		return "", model.CodeBidNotFound
	}
	results["partner_id"] = bid.PartnerID
	results["bid_price"] = bid.BidPrice

	if !bid.Expiration.After(now) {
		resp.Status = model.ClickInvalid
		resp.ErrorMessage = model.CodeBidExpired
		results["expired_at"] = bid.Expiration
		return bid.PartnerID, model.CodeBidExpired
	}

	var reasons []string
	first, err := t.dedup.FirstSeen(ctx, clickSignature(ev), t.settings.DuplicateWindow)
	if err != nil {
		t.log.Warn("duplicate check unavailable", "click_id", ev.ClickID, "error", err)
		results["duplicate_check"] = "unavailable"
	} else {
		results["duplicate"] = !first
		if !first {
			reasons = append(reasons, reasonDuplicate)
		}
	}

	for _, key := range fraudSignalKeys {
		if truthy(ev.FraudSignals[key]) {
			reasons = append(reasons, "signal_"+key)
		}
	}

	if t.settings.MinClickDelay > 0 {
		clickedAt := ev.ClickedAt
		if clickedAt.IsZero() {
			clickedAt = now
		}
		delay := clickedAt.Sub(cached.Metrics.ProcessingEnd)
		results["click_delay_ms"] = delay.Milliseconds()
		if delay < t.settings.MinClickDelay {
			reasons = append(reasons, reasonTooFast)
		}
	}

	if len(reasons) > 0 {
		resp.Status = model.ClickSuspicious
		resp.FraudDetected = true
		results["fraud_reasons"] = reasons
		return bid.PartnerID, reasons[0]
	}
	resp.Status = model.ClickValid
	return bid.PartnerID, "none"
}

func missingClickFields(ev model.ClickEvent) []string {
	var missing []string
	if strings.TrimSpace(ev.ClickID) == "" {
		missing = append(missing, "clickId")
	}
	if strings.TrimSpace(ev.BidID) == "" {
		missing = append(missing, "bidId")
	}
	if strings.TrimSpace(ev.LeadID) == "" {
		missing = append(missing, "leadId")
	}
	return missing
}

// clickSignature fingerprints a click by bid and requester, not by click id, so
// resubmissions under a fresh click id still collide.
func clickSignature(ev model.ClickEvent) string {
	sum := sha256.Sum256([]byte(ev.BidID + "|" + ev.ClientIP() + "|" + ev.ClientUserAgent()))
	return hex.EncodeToString(sum[:])
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "y":
			return true
		}
		return false
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}
