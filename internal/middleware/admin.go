package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const HeaderAdminKey = "X-Admin-Key"

// AdminMiddleware guards the ops API. An empty key disables every guarded
// route rather than leaving them open.
func AdminMiddleware(adminKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminKey == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin key not configured"})
			c.Abort()
			return
		}
		got := c.GetHeader(HeaderAdminKey)
		if subtle.ConstantTimeCompare([]byte(got), []byte(adminKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			c.Abort()
			return
		}
		c.Next()
	}
}
