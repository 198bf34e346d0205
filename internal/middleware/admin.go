package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/pkg/apperrors"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards partner management. With no admin key configured the
// admin routes are closed.
func AdminMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg == nil || cfg.Auth.AdminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key not configured"})
			c.Abort()
			return
		}
		given := c.GetHeader(HeaderAdminKey)
		if subtle.ConstantTimeCompare([]byte(given), []byte(cfg.Auth.AdminKey)) != 1 {
			_ = c.Error(apperrors.New(apperrors.ErrUnauthorized, "invalid admin key", nil))
			c.Abort()
			return
		}
		c.Next()
	}
}
