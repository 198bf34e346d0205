package model

// BidRecord is the analytics record emitted for every orchestrated bid response.
type BidRecord struct {
	Vertical string       `json:"vertical"`
	Response *BidResponse `json:"response"`
}
