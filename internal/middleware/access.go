package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/leadwall/bidgate/internal/pkg/logger"
)

const (
	HeaderRequestID  = "X-Request-ID"
	ContextRequestID = "request_id"

	maxLoggedBody = 4096
)

// RequestID reuses an inbound X-Request-ID or mints one, and echoes it back.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.New().String()
		}
		c.Set(ContextRequestID, reqID)
		c.Header(HeaderRequestID, reqID)
		c.Next()
	}
}

// AccessLog writes one line per request. Admin request bodies are logged at
// debug level with credentials masked.
func AccessLog() gin.HandlerFunc {
	log := logger.Component("http")
	return func(c *gin.Context) {
		start := time.Now()

		var body []byte
		if isAdminPath(c.Request.URL.Path) && c.Request.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxLoggedBody+1))
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
		}

		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(ContextRequestID),
		}
		if len(body) > 0 {
			fields = append(fields, "body", redactBody(body))
			log.Debug("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/v1/partners/")
}

func redactBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return "[truncated]"
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func redactJSON(body []byte) ([]byte, bool) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key", "apikey", "admin_key", "password", "authorization", "token":
		return true
	default:
		return false
	}
}
