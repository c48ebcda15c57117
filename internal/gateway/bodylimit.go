package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nexcode/codex-gateway/internal/common/config"
)

// bodyLimit enforces per-path request body size limits. Oversized requests
// are rejected with 413 before the handler reads the body.
func bodyLimit(cfg config.BodyLimitsConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		limit := limitForPath(cfg, c.Request.URL.Path)

		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":  "request body too large",
				"status": http.StatusRequestEntityTooLarge,
			})
			return
		}

		// Backstop for chunked bodies without a declared length.
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func limitForPath(cfg config.BodyLimitsConfig, path string) int64 {
	switch {
	case strings.HasPrefix(path, "/jsonrpc"):
		return cfg.JSONRPC
	case strings.HasPrefix(path, "/webhook"):
		return cfg.Webhook
	case strings.HasPrefix(path, "/health"):
		return cfg.Health
	case strings.HasPrefix(path, "/ws"):
		return cfg.WebSocket
	default:
		return cfg.Default
	}
}
