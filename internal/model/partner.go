package model

import "time"

type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// PartnerHealth is a point-in-time view of one partner's circuit breaker.
type PartnerHealth struct {
	PartnerID      string       `json:"partnerId"`
	State          BreakerState `json:"state"`
	WindowSize     int          `json:"windowSize"`
	Samples        int          `json:"samples"`
	Failures       int          `json:"failures"`
	FailureRatio   float64      `json:"failureRatio"`
	Cooldown       string       `json:"cooldown"`
	TrialInFlight  bool         `json:"trialInFlight"`
	LastTransition time.Time    `json:"lastTransition"`
	OpenedUntil    *time.Time   `json:"openedUntil,omitempty"`
	Seq            uint64       `json:"seq"`
}

// BreakerEvent is published on every breaker state change. Seq counts the partner's
// transitions; listeners may see events out of order and should keep the highest.
type BreakerEvent struct {
	PartnerID string       `json:"partnerId"`
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	At        time.Time    `json:"at"`
	Seq       uint64       `json:"seq"`
}

// PartnerView is the admin listing of a partner with its live health.
type PartnerView struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Endpoint            string             `json:"endpoint"`
	Format              string             `json:"format"`
	Enabled             bool               `json:"enabled"`
	Priority            int                `json:"priority"`
	Multiplier          float64            `json:"multiplier"`
	VerticalMultipliers map[string]float64 `json:"verticalMultipliers,omitempty"`
	MinBid              float64            `json:"minBid"`
	MaxBid              float64            `json:"maxBid"`
	QPS                 float64            `json:"qps"`
	Burst               int                `json:"burst"`
	Health              PartnerHealth      `json:"health"`
}
