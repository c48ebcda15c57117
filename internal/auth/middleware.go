package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/common/logger"
)

// exemptPrefixes are probe paths that bypass API-key auth.
var exemptPrefixes = []string{"/health", "/metrics", "/ready"}

// contextKeyUserID is the gin context key carrying the authenticated user.
const contextKeyUserID = "auth.user_id"

// APIKeyAuth validates the X-API-Key header against the key store. Missing
// or unknown keys get 401, inactive keys 403.
func APIKeyAuth(store *KeyStore, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range exemptPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "missing API key",
				"status": http.StatusUnauthorized,
			})
			return
		}

		info, err := store.Lookup(c.Request.Context(), apiKey)
		if err != nil {
			if !errors.Is(err, ErrKeyNotFound) {
				log.Error("api key lookup failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "invalid API key",
				"status": http.StatusUnauthorized,
			})
			return
		}
		if !info.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":  "API key is inactive",
				"status": http.StatusForbidden,
			})
			return
		}

		c.Set(contextKeyUserID, info.UserID)
		c.Next()
	}
}

// UserID returns the authenticated user id set by APIKeyAuth, if any.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(contextKeyUserID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}
