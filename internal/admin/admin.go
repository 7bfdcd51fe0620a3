// Package admin provides the back-office HTTP surface: dispute
// resolution, cashout review, and ledger integrity checks.
//
// Admin routes are authenticated with a static API key set via
// ADMIN_API_KEY; without a configured key the whole surface stays
// unmounted.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// KeyMiddleware rejects requests whose X-Admin-Key header does not match
// the configured key. Comparison is constant-time.
func KeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid admin key",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
