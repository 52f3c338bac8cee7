package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenRequired checks the shared bearer token when one is configured. A server
// without a token accepts every caller.
func (s *Server) TokenRequired() gin.HandlerFunc {
	expected := strings.TrimSpace(s.cfg.Backend.Token)
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}

		parts := strings.Fields(strings.TrimSpace(c.GetHeader("Authorization")))
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
