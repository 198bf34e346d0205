package service

import (
	"testing"

	"github.com/leadwall/bidgate/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rankedBid(id string, price, normalized float64, priority, seq int) model.Bid {
	return model.Bid{BidID: id, BidPrice: price, NormalizedPrice: normalized, Priority: priority, Sequence: seq}
}

func bidIDs(bids []model.Bid) []string {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.BidID
	}
	return ids
}

func TestSelectOrdersByNormalizedPrice(t *testing.T) {
	bids := []model.Bid{
		rankedBid("a", 1.0, 1.0, 0, 0),
		rankedBid("b", 0.9, 1.8, 0, 1),
		rankedBid("c", 1.5, 1.5, 0, 2),
	}
	selected, m := Select(bids, 10)
	assert.Equal(t, []string{"b", "c", "a"}, bidIDs(selected))
	assert.Equal(t, 1.1333, m.AverageBidPrice)
	assert.Equal(t, 1.5, m.HighestBid)
}

func TestSelectTieBreaks(t *testing.T) {
	bids := []model.Bid{
		rankedBid("late-low-priority", 1, 1, 0, 3),
		rankedBid("early-low-priority", 1, 1, 0, 1),
		rankedBid("high-priority", 1, 1, 5, 2),
	}
	selected, _ := Select(bids, 3)
	assert.Equal(t, []string{"high-priority", "early-low-priority", "late-low-priority"}, bidIDs(selected))
}

func TestSelectFirstArrivalWinsSingleSlot(t *testing.T) {
	bids := []model.Bid{
		rankedBid("y", 1, 1, 0, 1),
		rankedBid("x", 1, 1, 0, 0),
	}
	selected, _ := Select(bids, 1)
	require.Len(t, selected, 1)
	assert.Equal(t, "x", selected[0].BidID)
}

func TestSelectMetricsCoverSelectedOnly(t *testing.T) {
	bids := []model.Bid{
		rankedBid("a", 3, 3, 0, 0),
		rankedBid("b", 2, 2, 0, 1),
		rankedBid("c", 10, 0.5, 0, 2),
	}
	selected, m := Select(bids, 2)
	assert.Len(t, selected, 2)
	assert.Equal(t, 2.5, m.AverageBidPrice)
	assert.Equal(t, 3.0, m.HighestBid)
}

func TestSelectBounds(t *testing.T) {
	bids := []model.Bid{rankedBid("a", 1, 1, 0, 0), rankedBid("b", 2, 2, 0, 1)}

	selected, m := Select(bids, 0)
	assert.Empty(t, selected)
	assert.NotNil(t, selected)
	assert.Zero(t, m.AverageBidPrice)

	selected, _ = Select(nil, 5)
	assert.Empty(t, selected)

	for max := 1; max <= 3; max++ {
		selected, _ = Select(bids, max)
		assert.LessOrEqual(t, len(selected), max)
	}
}

func TestSelectDoesNotReorderInput(t *testing.T) {
	bids := []model.Bid{rankedBid("a", 1, 1, 0, 0), rankedBid("b", 2, 2, 0, 1)}
	Select(bids, 2)
	assert.Equal(t, "a", bids[0].BidID)
}
