package middleware

import (
	"net/http"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

// ReadOnlyMiddleware rejects writes while the keeper runs in dry-run mode.
func ReadOnlyMiddleware(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
		default:
			c.Error(apperrors.New(apperrors.ErrReadOnly, "dry-run mode enabled", nil))
			c.Abort()
		}
	}
}
