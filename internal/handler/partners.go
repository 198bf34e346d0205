package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/breaker"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/partner"
	"github.com/leadwall/bidgate/internal/pkg/apperrors"
)

type PartnerHandler struct {
	registry *partner.Registry
	breaker  *breaker.Breaker
}

func NewPartnerHandler(registry *partner.Registry, br *breaker.Breaker) *PartnerHandler {
	return &PartnerHandler{registry: registry, breaker: br}
}

func (h *PartnerHandler) List(c *gin.Context) {
	partners := h.registry.List()
	views := make([]model.PartnerView, 0, len(partners))
	for _, p := range partners {
		views = append(views, h.view(p))
	}
	c.JSON(http.StatusOK, views)
}

func (h *PartnerHandler) Get(c *gin.Context) {
	p, ok := h.registry.Get(c.Param("id"))
	if !ok {
		_ = c.Error(apperrors.NewNotFound("partner not found"))
		return
	}
	c.JSON(http.StatusOK, h.view(p))
}

// Upsert creates or replaces a partner. The path id wins over an empty body id.
func (h *PartnerHandler) Upsert(c *gin.Context) {
	id := c.Param("id")
	var p partner.Partner
	if err := c.ShouldBindJSON(&p); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if p.ID != "" && p.ID != id {
		_ = c.Error(apperrors.NewInvalidRequest("body id does not match path id"))
		return
	}
	p.ID = id
	if err := h.registry.Upsert(p); err != nil {
		h.fail(c, err)
		return
	}
	h.breaker.Register(id)

	stored, _ := h.registry.Get(id)
	c.JSON(http.StatusOK, h.view(stored))
}

func (h *PartnerHandler) Delete(c *gin.Context) {
	if err := h.registry.Remove(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *PartnerHandler) Enable(c *gin.Context)  { h.setEnabled(c, true) }
func (h *PartnerHandler) Disable(c *gin.Context) { h.setEnabled(c, false) }

func (h *PartnerHandler) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	if err := h.registry.SetEnabled(id, enabled); err != nil {
		h.fail(c, err)
		return
	}
	p, _ := h.registry.Get(id)
	c.JSON(http.StatusOK, h.view(p))
}

// Reset closes the partner's breaker and clears its failure window.
func (h *PartnerHandler) Reset(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.registry.Get(id); !ok {
		_ = c.Error(apperrors.NewNotFound("partner not found"))
		return
	}
	h.breaker.Reset(id)
	c.JSON(http.StatusOK, h.breaker.Snapshot(id))
}

func (h *PartnerHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, partner.ErrNotFound):
		_ = c.Error(apperrors.NewNotFound("partner not found"))
	case errors.Is(err, partner.ErrInvalidPartner):
		_ = c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
	default:
		_ = c.Error(apperrors.Wrap(err))
	}
}

func (h *PartnerHandler) view(p partner.Partner) model.PartnerView {
	return model.PartnerView{
		ID:                  p.ID,
		Name:                p.Name,
		Endpoint:            p.Endpoint,
		Format:              p.Format,
		Enabled:             p.Enabled,
		Priority:            p.Priority,
		Multiplier:          p.Multiplier,
		VerticalMultipliers: p.VerticalMultipliers,
		MinBid:              p.MinBid,
		MaxBid:              p.MaxBid,
		QPS:                 p.QPS,
		Burst:               p.Burst,
		Health:              h.breaker.Snapshot(p.ID),
	}
}
