package partner

import "time"

// NativeBid is the bid payload partners return in the native format. OpenRTB
// responses are translated into the same shape before they reach the normalizer.
type NativeBid struct {
	BidID      string                 `json:"bidId,omitempty"`
	Price      *float64               `json:"price"`
	ClickURL   string                 `json:"clickUrl"`
	Creative   NativeCreative         `json:"creative"`
	ExpiresAt  *time.Time             `json:"expiresAt,omitempty"`
	TTLSeconds int                    `json:"ttlSeconds,omitempty"`
	Targeting  map[string]interface{} `json:"targeting,omitempty"`
	Tracking   map[string]interface{} `json:"tracking,omitempty"`
}

type NativeCreative struct {
	Headline         string            `json:"headline"`
	Description      string            `json:"description,omitempty"`
	ImageURL         string            `json:"imageUrl,omitempty"`
	DisplayURL       string            `json:"displayUrl,omitempty"`
	SizeRequirements []string          `json:"sizeRequirements,omitempty"`
	TrackingPixels   map[string]string `json:"trackingPixels,omitempty"`
}
