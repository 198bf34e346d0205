package model

import "time"

type ClickStatus string

const (
	ClickValid      ClickStatus = "valid"
	ClickInvalid    ClickStatus = "invalid"
	ClickSuspicious ClickStatus = "suspicious"
	ClickError      ClickStatus = "error"
)

type ClickEvent struct {
	ClickID        string                 `json:"clickId"`
	BidID          string                 `json:"bidId"`
	LeadID         string                 `json:"leadId"`
	ClickedAt      time.Time              `json:"clickedAt"`
	UserData       UserData               `json:"userData"`
	IP             string                 `json:"ip,omitempty"`
	UserAgent      string                 `json:"userAgent,omitempty"`
	FraudSignals   map[string]interface{} `json:"fraudSignals,omitempty"`
	ConversionData map[string]interface{} `json:"conversionData,omitempty"`
}

// ClientIP prefers the top-level ip and falls back to userData.ip.
func (e ClickEvent) ClientIP() string {
	if e.IP != "" {
		return e.IP
	}
	return e.UserData.IP
}

func (e ClickEvent) ClientUserAgent() string {
	if e.UserAgent != "" {
		return e.UserAgent
	}
	return e.UserData.UserAgent
}

type ClickResponse struct {
	ClickID           string                 `json:"clickId"`
	Status            ClickStatus            `json:"status"`
	ErrorMessage      string                 `json:"errorMessage,omitempty"`
	ProcessedAt       time.Time              `json:"processedAt"`
	FraudDetected     bool                   `json:"fraudDetected"`
	ValidationResults map[string]interface{} `json:"validationResults"`
}

// ClickRecord is what the recorder keeps for a processed click.
type ClickRecord struct {
	LeadID    string        `json:"leadId"`
	BidID     string        `json:"bidId"`
	PartnerID string        `json:"partnerId,omitempty"`
	IP        string        `json:"ip,omitempty"`
	UserAgent string        `json:"userAgent,omitempty"`
	Response  ClickResponse `json:"response"`
}
