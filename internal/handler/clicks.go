package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/apperrors"
	"github.com/leadwall/bidgate/internal/service"
)

type ClickHandler struct {
	tracker  *service.Tracker
	recorder *service.Recorder
}

func NewClickHandler(tracker *service.Tracker, recorder *service.Recorder) *ClickHandler {
	return &ClickHandler{tracker: tracker, recorder: recorder}
}

// Track classifies a click. Missing fields come back as an invalid click, so only
// an unreadable body is a 400.
func (h *ClickHandler) Track(c *gin.Context) {
	var ev model.ClickEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		_ = c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	if ev.ClientIP() == "" {
		ev.IP = c.ClientIP()
	}
	if ev.ClientUserAgent() == "" {
		ev.UserAgent = c.Request.UserAgent()
	}
	c.JSON(http.StatusOK, h.tracker.TrackClick(c.Request.Context(), ev))
}

func (h *ClickHandler) Recent(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			_ = c.Error(apperrors.NewInvalidRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	status := model.ClickStatus(c.Query("status"))
	switch status {
	case "", model.ClickValid, model.ClickInvalid, model.ClickSuspicious, model.ClickError:
	default:
		_ = c.Error(apperrors.NewInvalidRequest("unknown click status " + string(status)))
		return
	}

	c.JSON(http.StatusOK, h.recorder.RecentClicks(c.Request.Context(), limit, status))
}
