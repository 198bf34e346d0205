package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/pkg/apperrors"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies one token bucket to all inbound traffic. A zero
// QPS turns it into a pass-through.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	if cfg.QPS <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.QPS), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			_ = c.Error(apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
