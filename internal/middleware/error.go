package middleware

import (
	"errors"
	"maps"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Code       apperrors.ErrorType `json:"code"`
	Message    string              `json:"message"`
	Suggestion string              `json:"suggestion,omitempty"`
	Details    map[string]any      `json:"details,omitempty"`
	Retryable  bool                `json:"retryable"`
	AgentID    string              `json:"agent_id,omitempty"`
	RequestID  string              `json:"request_id,omitempty"`
}

// ErrorHandler renders the last handler error as JSON. A timed-out
// operation is reported with an unknown outcome so callers check the
// journal before submitting again.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, err.Error(), err)
		}

		resp := errorResponse{
			Code:       appErr.Type,
			Message:    appErr.Message,
			Suggestion: appErr.Suggestion,
			Details:    maps.Clone(appErr.Details),
			Retryable:  appErr.Retryable(),
			AgentID:    c.Param("agent_id"),
			RequestID:  c.Writer.Header().Get(HeaderRequestID),
		}
		if appErr.Type == apperrors.ErrTimeout {
			if resp.Details == nil {
				resp.Details = map[string]any{}
			}
			resp.Details["outcome"] = "unknown"
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"code", appErr.Type,
			"agent_id", resp.AgentID,
			"request_id", resp.RequestID,
		}
		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "Ops request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		c.JSON(appErr.HTTPStatus, resp)
	}
}
