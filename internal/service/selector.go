package service

import (
	"sort"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/shopspring/decimal"
)

// Select ranks valid bids and keeps at most maxBids of them. Ties on normalized price
// go to the higher partner priority, then to the earlier arrival. Average and highest
// price describe the selected bids only. The input slice is not modified.
func Select(validBids []model.Bid, maxBids int) ([]model.Bid, model.BidMetrics) {
	if maxBids <= 0 || len(validBids) == 0 {
		return []model.Bid{}, model.BidMetrics{}
	}

	ranked := make([]model.Bid, len(validBids))
	copy(ranked, validBids)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.NormalizedPrice != b.NormalizedPrice {
			return a.NormalizedPrice > b.NormalizedPrice
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Sequence < b.Sequence
	})
	if len(ranked) > maxBids {
		ranked = ranked[:maxBids]
	}

	sum := decimal.Zero
	highest := decimal.Zero
	for _, b := range ranked {
		price := decimal.NewFromFloat(b.BidPrice)
		sum = sum.Add(price)
		if price.GreaterThan(highest) {
			highest = price
		}
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(ranked)))).Round(pricePlaces)

	return ranked, model.BidMetrics{
		AverageBidPrice: avg.InexactFloat64(),
		HighestBid:      highest.Round(pricePlaces).InexactFloat64(),
	}
}
