package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/leadwall/bidgate/internal/breaker"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/partner"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"github.com/leadwall/bidgate/internal/pkg/metrics"
	"github.com/sourcegraph/conc/panics"
)

var ErrInvalidBidRequest = errors.New("invalid bid request")

// PartnerSource is the view of the partner registry the orchestrator needs.
type PartnerSource interface {
	Enabled() []partner.Partner
	Reserve(id string) (partner.Token, bool)
	Caller(id string) (partner.Caller, bool)
	Terms(id, vertical string) partner.Terms
}

// Eligibility gates partners and receives their call outcomes. *breaker.Breaker satisfies it.
type Eligibility interface {
	IsEligible(partnerID string) bool
	RecordCall(partnerID string, outcome breaker.Outcome, startedAt time.Time)
}

type BidSink interface {
	RecordBid(vertical string, resp *model.BidResponse)
}

type AuctionSettings struct {
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	MaxBids           int
	CacheTTL          time.Duration
	LateResponseGrace time.Duration
}

func AuctionSettingsFromConfig(cfg *config.Config) AuctionSettings {
	return AuctionSettings{
		DefaultTimeout:    cfg.Auction.DefaultTimeout(),
		MaxTimeout:        cfg.Auction.MaxTimeout(),
		MaxBids:           cfg.Auction.MaxBids,
		CacheTTL:          cfg.Cache.TTL(),
		LateResponseGrace: cfg.Auction.LateResponseGrace(),
	}
}

// call slot states; each partner call is classified exactly once
const (
	slotPending int32 = iota
	slotDelivered
	slotAbandoned
)

type target struct {
	partnerID string
	caller    partner.Caller
	terms     partner.Terms
}

type arrival struct {
	idx     int
	started time.Time
	raw     model.RawPartnerResponse
}

// Orchestrator runs one bounded-time auction per request.
type Orchestrator struct {
	partners   PartnerSource
	health     Eligibility
	normalizer *Normalizer
	cache      BidCache
	sink       BidSink
	settings   AuctionSettings
	log        *slog.Logger
}

func NewOrchestrator(partners PartnerSource, health Eligibility, normalizer *Normalizer, cache BidCache, sink BidSink, settings AuctionSettings) *Orchestrator {
	if settings.DefaultTimeout <= 0 {
		settings.DefaultTimeout = 100 * time.Millisecond
	}
	if settings.MaxTimeout <= 0 {
		settings.MaxTimeout = 300 * time.Millisecond
	}
	if settings.CacheTTL <= 0 {
		settings.CacheTTL = 30 * time.Second
	}
	if settings.LateResponseGrace <= 0 {
		settings.LateResponseGrace = 2 * time.Second
	}
	return &Orchestrator{
		partners:   partners,
		health:     health,
		normalizer: normalizer,
		cache:      cache,
		sink:       sink,
		settings:   settings,
		log:        logger.Component("orchestrator"),
	}
}

// RequestBids returns an error only for malformed requests. Partner problems are
// reported through the response's error codes and metrics.
func (o *Orchestrator) RequestBids(ctx context.Context, req model.BidRequest) (*model.BidResponse, error) {
	if err := validateBidRequest(&req); err != nil {
		return nil, err
	}

	if cached, ok := o.lookup(ctx, req.LeadID); ok {
		metrics.BidRequestsTotal.WithLabelValues(req.Vertical, "hit").Inc()
		return cached, nil
	}
	metrics.BidRequestsTotal.WithLabelValues(req.Vertical, "miss").Inc()

	start := time.Now()
	targets := o.eligibleTargets(req)
	if len(targets) == 0 {
		end := time.Now()
		resp := &model.BidResponse{
			RequestID:  req.RequestID,
			LeadID:     req.LeadID,
			Bids:       []model.Bid{},
			Timestamp:  end,
			ErrorCodes: []string{model.CodeNoPartners},
			Metrics:    model.BidMetrics{ProcessingStart: start, ProcessingEnd: end},
		}
		o.log.Warn("no eligible partners", "request_id", req.RequestID, "lead_id", req.LeadID, "vertical", req.Vertical)
		o.emit(req.Vertical, resp)
		return resp, nil
	}

	timeout := o.effectiveTimeout(req)
	req.TimeoutMs = int(timeout / time.Millisecond)
	arrivals, timeouts := o.fanOut(ctx, req, targets, start.Add(timeout))

	resp := o.assemble(req, targets, arrivals, timeouts, start)

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	if err := o.cache.Put(putCtx, req.LeadID, resp, o.settings.CacheTTL); err != nil {
		o.log.Warn("failed to cache bid response", "lead_id", req.LeadID, "error", err)
	}
	cancel()

	metrics.AuctionDuration.WithLabelValues(req.Vertical).Observe(resp.Metrics.ProcessingEnd.Sub(start).Seconds())
	for _, b := range resp.Bids {
		metrics.BidsSelected.WithLabelValues(b.PartnerID, req.Vertical).Inc()
	}
	o.emit(req.Vertical, resp)
	o.log.Debug("auction complete",
		"request_id", req.RequestID,
		"lead_id", req.LeadID,
		"partners", len(targets),
		"received", resp.TotalBidsReceived,
		"valid", resp.ValidBidsCount,
		"timeouts", timeouts,
	)
	return resp, nil
}

// Invalidate drops the cached response for a lead.
func (o *Orchestrator) Invalidate(ctx context.Context, leadID string) error {
	return o.cache.Invalidate(ctx, leadID)
}

func validateBidRequest(req *model.BidRequest) error {
	req.LeadID = strings.TrimSpace(req.LeadID)
	req.Vertical = strings.TrimSpace(req.Vertical)
	if req.LeadID == "" {
		return fmt.Errorf("%w: leadId is required", ErrInvalidBidRequest)
	}
	if req.Vertical == "" {
		return fmt.Errorf("%w: vertical is required", ErrInvalidBidRequest)
	}
	if req.FloorPrice < 0 {
		return fmt.Errorf("%w: floorPrice cannot be negative", ErrInvalidBidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	return nil
}

func (o *Orchestrator) lookup(ctx context.Context, leadID string) (*model.BidResponse, bool) {
	cached, ok, err := o.cache.Get(ctx, leadID)
	if err != nil {
		o.log.Warn("bid cache lookup failed, soliciting partners", "lead_id", leadID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	out := *cached
	out.Cached = true
	return &out, true
}

// eligibleTargets applies the allow-list, the partner rate caps and finally the
// breakers, so a half-open trial is only taken by a partner that will be called.
// A rate token reserved for a partner whose breaker refuses is handed back.
func (o *Orchestrator) eligibleTargets(req model.BidRequest) []target {
	var allowed map[string]struct{}
	if len(req.AllowedPartnerIDs) > 0 {
		allowed = make(map[string]struct{}, len(req.AllowedPartnerIDs))
		for _, id := range req.AllowedPartnerIDs {
			allowed[id] = struct{}{}
		}
	}

	var targets []target
	for _, p := range o.partners.Enabled() {
		if allowed != nil {
			if _, ok := allowed[p.ID]; !ok {
				continue
			}
		}
		caller, ok := o.partners.Caller(p.ID)
		if !ok {
			continue
		}
		token, ok := o.partners.Reserve(p.ID)
		if !ok {
			metrics.PartnerSkipped.WithLabelValues(p.ID, "rate_limited").Inc()
			continue
		}
		if !o.health.IsEligible(p.ID) {
			token.Release()
			metrics.PartnerSkipped.WithLabelValues(p.ID, "circuit_open").Inc()
			continue
		}
		targets = append(targets, target{
			partnerID: p.ID,
			caller:    caller,
			terms:     o.partners.Terms(p.ID, req.Vertical),
		})
	}
	return targets
}

func (o *Orchestrator) effectiveTimeout(req model.BidRequest) time.Duration {
	timeout := o.settings.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > o.settings.MaxTimeout {
		timeout = o.settings.MaxTimeout
	}
	return timeout
}

// fanOut calls every target concurrently and waits until all answered or the
// deadline passed, whichever is first. Calls still running at the deadline are
// abandoned and report their own timeout when they finish.
func (o *Orchestrator) fanOut(ctx context.Context, req model.BidRequest, targets []target, deadline time.Time) ([]arrival, int) {
	n := len(targets)
	slots := make([]atomic.Int32, n)
	results := make(chan arrival, n)

	// partner calls outlive the request so late answers can still be scored
	base := context.WithoutCancel(ctx)
	for i := range targets {
		go o.callPartner(base, i, targets[i], req, deadline, &slots[i], results)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	arrivals := make([]arrival, 0, n)
wait:
	for len(arrivals) < n {
		select {
		case a := <-results:
			arrivals = append(arrivals, a)
		case <-timer.C:
			break wait
		}
	}

	timeouts := 0
	if len(arrivals) < n {
		for i := range slots {
			if slots[i].CompareAndSwap(slotPending, slotAbandoned) {
				timeouts++
			}
		}
		// calls that won the race against the sweep have already claimed a buffer slot
		for remaining := n - len(arrivals) - timeouts; remaining > 0; remaining-- {
			arrivals = append(arrivals, <-results)
		}
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivals[i].raw.ArrivedAt.Before(arrivals[j].raw.ArrivedAt)
	})
	return arrivals, timeouts
}

func (o *Orchestrator) callPartner(base context.Context, idx int, t target, req model.BidRequest, deadline time.Time, slot *atomic.Int32, out chan<- arrival) {
	ctx, cancel := context.WithDeadline(base, deadline.Add(o.settings.LateResponseGrace))
	defer cancel()

	start := time.Now()
	var raw model.RawPartnerResponse
	var catcher panics.Catcher
	catcher.Try(func() {
		raw = t.caller.Call(ctx, req)
	})
	if r := catcher.Recovered(); r != nil {
		o.log.Error("partner call panicked", "partner_id", t.partnerID, "request_id", req.RequestID, "panic", r.Value)
		raw = model.RawPartnerResponse{Err: r.AsError()}
	}
	raw.PartnerID = t.partnerID
	if raw.ArrivedAt.IsZero() {
		raw.ArrivedAt = time.Now()
	}
	if raw.Latency <= 0 {
		raw.Latency = time.Since(start)
	}
	metrics.PartnerLatency.WithLabelValues(t.partnerID).Observe(raw.Latency.Seconds())

	if slot.CompareAndSwap(slotPending, slotDelivered) {
		out <- arrival{idx: idx, started: start, raw: raw}
		return
	}

	metrics.LateResponses.WithLabelValues(t.partnerID).Inc()
	metrics.PartnerCalls.WithLabelValues(t.partnerID, string(breaker.Timeout)).Inc()
	o.health.RecordCall(t.partnerID, breaker.Timeout, start)
	o.log.Debug("late partner response discarded", "partner_id", t.partnerID, "request_id", req.RequestID, "latency", raw.Latency)
}

// assemble normalizes what arrived in time, selects, and builds the response.
func (o *Orchestrator) assemble(req model.BidRequest, targets []target, arrivals []arrival, timeouts int, start time.Time) *model.BidResponse {
	codes := newCodeSet()
	if timeouts > 0 {
		codes.add(model.CodeTimeout)
	}

	now := time.Now()
	invalid := 0
	valid := make([]model.Bid, 0, len(arrivals))
	for seq, a := range arrivals {
		t := targets[a.idx]
		bid, rej := o.normalizer.Normalize(a.raw, req, t.terms, now)
		if rej != nil {
			invalid++
			codes.add(rej.Code)
			metrics.BidsRejected.WithLabelValues(t.partnerID, rej.Code).Inc()
			if rej.PartnerFault() {
				o.scoreCall(t.partnerID, breaker.Failure, a.started)
			} else {
				o.scoreCall(t.partnerID, breaker.Success, a.started)
			}
			continue
		}
		bid.Sequence = seq
		o.scoreCall(t.partnerID, breaker.Success, a.started)
		valid = append(valid, bid)
	}

	end := time.Now()
	kept := valid[:0]
	for _, b := range valid {
		if b.Expiration.After(end) {
			kept = append(kept, b)
			continue
		}
		invalid++
		codes.add(model.CodeInvalidBid)
		metrics.BidsRejected.WithLabelValues(b.PartnerID, model.CodeInvalidBid).Inc()
	}

	selected, bm := Select(kept, o.settings.MaxBids)
	bm.PartnerTimeouts = timeouts
	bm.InvalidBids = invalid
	bm.ProcessingStart = start
	bm.ProcessingEnd = end

	return &model.BidResponse{
		RequestID:         req.RequestID,
		LeadID:            req.LeadID,
		Bids:              selected,
		Timestamp:         end,
		TotalBidsReceived: len(arrivals),
		ValidBidsCount:    len(kept),
		ErrorCodes:        codes.list(),
		Metrics:           bm,
	}
}

func (o *Orchestrator) scoreCall(partnerID string, outcome breaker.Outcome, started time.Time) {
	metrics.PartnerCalls.WithLabelValues(partnerID, string(outcome)).Inc()
	o.health.RecordCall(partnerID, outcome, started)
}

func (o *Orchestrator) emit(vertical string, resp *model.BidResponse) {
	if o.sink != nil {
		o.sink.RecordBid(vertical, resp)
	}
}

// codeSet keeps error codes unique in first-seen order.
type codeSet struct {
	seen  map[string]struct{}
	codes []string
}

func newCodeSet() *codeSet {
	return &codeSet{seen: map[string]struct{}{}, codes: []string{}}
}

func (c *codeSet) add(code string) {
	if _, ok := c.seen[code]; ok {
		return
	}
	c.seen[code] = struct{}{}
	c.codes = append(c.codes, code)
}

func (c *codeSet) list() []string {
	return c.codes
}
