package service

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/partner"
	"github.com/shopspring/decimal"
)

// pricePlaces is the precision used for price comparisons and derived prices.
const pricePlaces = 4

// Rejection reasons. They decide how a partner's call is scored on its breaker:
// transport and schema problems are partner failures, the rest are not.
const (
	ReasonTransport = "transport"
	ReasonEmpty     = "empty"
	ReasonSchema    = "schema"
	ReasonPrice     = "price"
	ReasonFloor     = "floor"
	ReasonCreative  = "creative"
	ReasonExpired   = "expired"
)

type Rejection struct {
	Code   string
	Reason string
}

// PartnerFault reports whether the rejection counts against the partner's health.
func (r *Rejection) PartnerFault() bool {
	return r.Reason == ReasonTransport || r.Reason == ReasonSchema
}

type Normalizer struct {
	floorMin   decimal.Decimal
	maxPrice   decimal.Decimal
	defaultTTL time.Duration
	newID      func() string
}

// NewNormalizer builds a Normalizer. A maxPrice of zero leaves bid prices uncapped.
func NewNormalizer(floorMin, maxPrice float64, defaultTTL time.Duration) *Normalizer {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Normalizer{
		floorMin:   decimal.NewFromFloat(floorMin),
		maxPrice:   decimal.NewFromFloat(maxPrice).Round(pricePlaces),
		defaultTTL: defaultTTL,
		newID:      func() string { return uuid.New().String() },
	}
}

// EffectiveFloor is the highest of the request floor, the configured minimum and the
// partner floor, rounded up so an accepted price never sits below the request floor.
func (n *Normalizer) EffectiveFloor(req model.BidRequest, terms partner.Terms) decimal.Decimal {
	floor := decimal.NewFromFloat(req.FloorPrice)
	if n.floorMin.GreaterThan(floor) {
		floor = n.floorMin
	}
	if minBid := decimal.NewFromFloat(terms.MinBid); minBid.GreaterThan(floor) {
		floor = minBid
	}
	return floor.RoundCeil(pricePlaces)
}

// Normalize validates one partner response and turns it into a canonical Bid.
// It depends only on its arguments and now.
func (n *Normalizer) Normalize(raw model.RawPartnerResponse, req model.BidRequest, terms partner.Terms, now time.Time) (model.Bid, *Rejection) {
	if raw.Err != nil {
		return model.Bid{}, &Rejection{Code: model.CodePartnerError, Reason: ReasonTransport}
	}
	if len(bytes.TrimSpace(raw.Payload)) == 0 {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonEmpty}
	}

	var nb partner.NativeBid
	if err := json.Unmarshal(raw.Payload, &nb); err != nil {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonSchema}
	}
	if nb.Price == nil {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonSchema}
	}

	// The floor goes first: any price under it is below_floor, whatever else is wrong with it.
	price := decimal.NewFromFloat(*nb.Price).Round(pricePlaces)
	if price.LessThan(n.EffectiveFloor(req, terms)) {
		return model.Bid{}, &Rejection{Code: model.CodeBelowFloor, Reason: ReasonFloor}
	}
	if !price.IsPositive() {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonPrice}
	}
	if terms.MaxBid > 0 && price.GreaterThan(decimal.NewFromFloat(terms.MaxBid).Round(pricePlaces)) {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonPrice}
	}
	if n.maxPrice.IsPositive() && price.GreaterThan(n.maxPrice) {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonPrice}
	}

	if nb.ClickURL == "" || nb.Creative.Headline == "" {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonCreative}
	}

	expiration := now.Add(n.defaultTTL)
	switch {
	case nb.ExpiresAt != nil:
		expiration = *nb.ExpiresAt
	case nb.TTLSeconds > 0:
		expiration = now.Add(time.Duration(nb.TTLSeconds) * time.Second)
	}
	if !expiration.After(now) {
		return model.Bid{}, &Rejection{Code: model.CodeInvalidBid, Reason: ReasonExpired}
	}

	multiplier := decimal.NewFromFloat(terms.Multiplier)
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(1)
	}
	normalized := price.Mul(multiplier).Round(pricePlaces)

	bidID := nb.BidID
	if bidID == "" {
		bidID = n.newID()
	}

	return model.Bid{
		BidID:           bidID,
		PartnerID:       raw.PartnerID,
		BidPrice:        price.InexactFloat64(),
		NormalizedPrice: normalized.InexactFloat64(),
		ClickURL:        nb.ClickURL,
		CreativeData: model.Creative{
			Headline:         nb.Creative.Headline,
			Description:      nb.Creative.Description,
			ImageURL:         nb.Creative.ImageURL,
			DisplayURL:       nb.Creative.DisplayURL,
			SizeRequirements: nb.Creative.SizeRequirements,
			TrackingPixels:   nb.Creative.TrackingPixels,
		},
		Expiration:          expiration,
		CreatedAt:           now,
		TargetingAttributes: nb.Targeting,
		TrackingData:        nb.Tracking,
		Priority:            terms.Priority,
	}, nil
}
