package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BidRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_bid_requests_total",
		Help: "Bid requests by vertical and cache result",
	}, []string{"vertical", "cache"})

	AuctionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidgate_auction_duration_seconds",
		Help:    "Time spent orchestrating one bid request",
		Buckets: []float64{0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
	}, []string{"vertical"})

	PartnerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_partner_calls_total",
		Help: "Partner calls by outcome (success, failure, timeout)",
	}, []string{"partner", "outcome"})

	PartnerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidgate_partner_latency_seconds",
		Help:    "Partner response latency, including late responses",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}, []string{"partner"})

	PartnerSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_partner_skipped_total",
		Help: "Partners left out of a fan-out round",
	}, []string{"partner", "reason"})

	LateResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_partner_late_responses_total",
		Help: "Partner responses that arrived after the auction deadline",
	}, []string{"partner"})

	BidsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_bids_rejected_total",
		Help: "Bids dropped by the normalizer",
	}, []string{"partner", "code"})

	BidsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_bids_selected_total",
		Help: "Bids served to users",
	}, []string{"partner", "vertical"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bidgate_breaker_state",
		Help: "Circuit breaker state per partner (0 closed, 1 half-open, 2 open)",
	}, []string{"partner"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_breaker_transitions_total",
		Help: "Circuit breaker transitions",
	}, []string{"partner", "from", "to"})

	ClicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_clicks_total",
		Help: "Click classifications",
	}, []string{"status", "reason"})

	RecorderDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bidgate_recorder_dropped_total",
		Help: "Outcome records dropped because the recorder buffer was full",
	}, []string{"kind"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bidgate_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "status"})
)
