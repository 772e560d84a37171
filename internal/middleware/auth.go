package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// OperatorKey is the context key holding the caller name taken from X-Operator.
const OperatorKey = "operator"

// Authentication checks the static bearer token. An empty token allows every request.
func Authentication(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if op := strings.TrimSpace(c.GetHeader("X-Operator")); op != "" {
			c.Set(OperatorKey, op)
		}
		if token == "" || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(c)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			log.Warn().Str("path", c.Request.URL.Path).Str("remote", c.ClientIP()).Msg("bearer token rejected")
			unauthorized(c)
			return
		}
		c.Next()
	}
}

// Operator returns the caller set by Authentication, or fallback.
func Operator(c *gin.Context, fallback string) string {
	if v, ok := c.Get(OperatorKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, map[string]any{
		"error": map[string]any{"code": "UNAUTHORIZED", "message": "missing or invalid bearer token"},
	})
}
