package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-gateway/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// Auth validates the inbound API key. Configured keys may be plaintext
// (compared in constant time) or bcrypt hashes. The credential comes
// from the configured header: Authorization Bearer or X-API-Key.
func Auth(cfg config.AuthConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := extractKey(c, cfg.Header)
		if key == "" {
			abortUnauthorized(c, "missing API key")
			return
		}
		if !keyMatches(key, cfg.Keys) {
			abortUnauthorized(c, "invalid API key")
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context, header string) string {
	if strings.EqualFold(header, "x-api-key") {
		return c.GetHeader("X-API-Key")
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	// Accept X-API-Key as a fallback for OpenAI SDK variants.
	return c.GetHeader("X-API-Key")
}

func keyMatches(presented string, keys []string) bool {
	for _, k := range keys {
		if strings.HasPrefix(k, "$2a$") || strings.HasPrefix(k, "$2b$") || strings.HasPrefix(k, "$2y$") {
			if bcrypt.CompareHashAndPassword([]byte(k), []byte(presented)) == nil {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": gin.H{
			"type":    "authentication_error",
			"message": msg,
		},
	})
}
