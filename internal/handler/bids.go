package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/apperrors"
	"github.com/leadwall/bidgate/internal/service"
)

const (
	HeaderBidRequestID      = "X-Bid-Request-ID"
	HeaderBidCache          = "X-Bid-Cache"
	HeaderBidProcessingTime = "X-Bid-Processing-Time"
)

type BidHandler struct {
	orch *service.Orchestrator
}

func NewBidHandler(orch *service.Orchestrator) *BidHandler {
	return &BidHandler{orch: orch}
}

func (h *BidHandler) Request(c *gin.Context) {
	var req model.BidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}

	resp, err := h.orch.RequestBids(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidBidRequest) {
			_ = c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
			return
		}
		_ = c.Error(apperrors.Wrap(err))
		return
	}

	cache := "miss"
	if resp.Cached {
		cache = "hit"
	}
	elapsed := resp.Metrics.ProcessingEnd.Sub(resp.Metrics.ProcessingStart).Milliseconds()

	c.Header(HeaderBidRequestID, resp.RequestID)
	c.Header(HeaderBidCache, cache)
	c.Header(HeaderBidProcessingTime, strconv.FormatInt(elapsed, 10)+"ms")
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

func (h *BidHandler) Invalidate(c *gin.Context) {
	leadID := c.Param("leadId")
	if leadID == "" {
		_ = c.Error(apperrors.NewInvalidRequest("leadId required"))
		return
	}
	if err := h.orch.Invalidate(c.Request.Context(), leadID); err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrInternal, "failed to invalidate cached bids", err))
		return
	}
	c.Status(http.StatusNoContent)
}
