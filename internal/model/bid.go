package model

import "time"

// Error codes surfaced in BidResponse.ErrorCodes and ClickResponse.ErrorMessage.
const (
	CodeTimeout      = "timeout"
	CodeInvalidBid   = "invalid_bid"
	CodeNoPartners   = "no_partners"
	CodeBelowFloor   = "below_floor"
	CodePartnerError = "partner_error"
	CodeBidNotFound  = "bid_not_found"
	CodeBidExpired   = "bid_expired"
)

type UserData struct {
	IP           string                 `json:"ip,omitempty"`
	UserAgent    string                 `json:"userAgent,omitempty"`
	ZipCode      string                 `json:"zipCode,omitempty"`
	Demographics map[string]interface{} `json:"demographics,omitempty"`
	Interests    map[string]interface{} `json:"interests,omitempty"`
}

// BidRequest asks the engine to run one auction for a qualified lead.
type BidRequest struct {
	RequestID         string                 `json:"requestId"`
	LeadID            string                 `json:"leadId" binding:"required"`
	Vertical          string                 `json:"vertical" binding:"required"`
	UserData          UserData               `json:"userData"`
	Timestamp         time.Time              `json:"timestamp"`
	TimeoutMs         int                    `json:"timeoutMs,omitempty"`
	FloorPrice        float64                `json:"floorPrice"`
	AllowedPartnerIDs []string               `json:"allowedPartnerIds,omitempty"`
	TargetingCriteria map[string]interface{} `json:"targetingCriteria,omitempty"`
}

// RawPartnerResponse is what a partner call produced. It only lives for one auction round.
type RawPartnerResponse struct {
	PartnerID string
	ArrivedAt time.Time
	Payload   []byte
	Err       error
	Latency   time.Duration
}

type Creative struct {
	Headline         string            `json:"headline"`
	Description      string            `json:"description,omitempty"`
	ImageURL         string            `json:"imageUrl,omitempty"`
	DisplayURL       string            `json:"displayUrl,omitempty"`
	SizeRequirements []string          `json:"sizeRequirements,omitempty"`
	TrackingPixels   map[string]string `json:"trackingPixels,omitempty"`
}

// Bid is a validated, canonical partner offer.
type Bid struct {
	BidID               string                 `json:"bidId"`
	PartnerID           string                 `json:"partnerId"`
	BidPrice            float64                `json:"bidPrice"`
	NormalizedPrice     float64                `json:"normalizedPrice"`
	ClickURL            string                 `json:"clickUrl"`
	CreativeData        Creative               `json:"creativeData"`
	Expiration          time.Time              `json:"expiration"`
	CreatedAt           time.Time              `json:"createdAt"`
	TargetingAttributes map[string]interface{} `json:"targetingAttributes,omitempty"`
	TrackingData        map[string]interface{} `json:"trackingData,omitempty"`

	// ranking inputs, not part of the wire contract
	Priority int `json:"-"`
	Sequence int `json:"-"`
}

type BidMetrics struct {
	PartnerTimeouts int       `json:"partnerTimeouts"`
	InvalidBids     int       `json:"invalidBids"`
	AverageBidPrice float64   `json:"averageBidPrice"`
	HighestBid      float64   `json:"highestBid"`
	ProcessingStart time.Time `json:"processingStart"`
	ProcessingEnd   time.Time `json:"processingEnd"`
}

type BidResponse struct {
	RequestID         string     `json:"requestId"`
	LeadID            string     `json:"leadId"`
	Bids              []Bid      `json:"bids"`
	Timestamp         time.Time  `json:"timestamp"`
	TotalBidsReceived int        `json:"totalBidsReceived"`
	ValidBidsCount    int        `json:"validBidsCount"`
	ErrorCodes        []string   `json:"errorCodes"`
	Metrics           BidMetrics `json:"metrics"`

	// Cached is set on the copy handed out for a cache hit.
	Cached bool `json:"-"`
}

// FindBid returns the selected bid with the given id.
func (r *BidResponse) FindBid(bidID string) (Bid, bool) {
	for _, b := range r.Bids {
		if b.BidID == bidID {
			return b, true
		}
	}
	return Bid{}, false
}
