package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by the identity middleware.
const (
	ctxUserID     = "user_id"
	ctxGatewayKey = "gateway_key"
)

// requireIdentity extracts the caller identity from the bearer token.
// Token verification itself belongs to the external identity provider
// sitting in front of this service; here the verified subject arrives
// as the token value. Requests without a token are rejected.
func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		c.Set(ctxUserID, token)

		// BYOK gateway key, forwarded per session when present.
		if key := c.GetHeader("X-Gateway-Key"); key != "" {
			c.Set(ctxGatewayKey, key)
		}
		c.Next()
	}
}
