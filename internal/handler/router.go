package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Bids     *BidHandler
	Clicks   *ClickHandler
	Partners *PartnerHandler
	Stream   *HealthStream
	Health   *HealthHandler
}

func NewRouter(cfg *config.Config, h Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", h.Health.Health)
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.RateLimitMiddleware(cfg.RateLimit))
	{
		v1.POST("/bids", h.Bids.Request)
		v1.DELETE("/bids/:leadId", h.Bids.Invalidate)
		v1.POST("/clicks", h.Clicks.Track)
		v1.GET("/clicks/recent", h.Clicks.Recent)
		v1.GET("/partners", h.Partners.List)
		v1.GET("/partners/stream", h.Stream.Serve)
		v1.GET("/partners/:id", h.Partners.Get)
	}

	admin := v1.Group("/partners")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.PUT("/:id", h.Partners.Upsert)
		admin.DELETE("/:id", h.Partners.Delete)
		admin.POST("/:id/enable", h.Partners.Enable)
		admin.POST("/:id/disable", h.Partners.Disable)
		admin.POST("/:id/reset", h.Partners.Reset)
	}
	return r
}
