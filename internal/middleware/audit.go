package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	ContextAuditKey = "audit_fields"
)

// AuditMiddleware logs every ops API request with a request id and a
// redacted copy of the request body.
func AuditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(HeaderRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(HeaderRequestID, reqID)

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
		}
		fields := map[string]any{}
		c.Set(ContextAuditKey, fields)

		c.Next()

		args := []any{
			"request_id", reqID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if redacted := redactAuditBody(body); redacted != "" {
			args = append(args, "body", redacted)
		}
		for k, v := range fields {
			args = append(args, k, v)
		}
		logger.Info("Ops request", args...)
	}
}

// AddAuditContext attaches a field to the request's audit line.
func AddAuditContext(c *gin.Context, key string, value any) {
	if val, exists := c.Get(ContextAuditKey); exists {
		if fields, ok := val.(map[string]any); ok {
			fields[key] = value
		}
	}
}

func redactAuditBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	redacted, ok := redactJSON(body)
	if !ok {
		return "[redacted]"
	}
	return string(redacted)
}

func redactJSON(body []byte) ([]byte, bool) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *any) {
	switch raw := (*v).(type) {
	case map[string]any:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []any:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "private_key",
		"agent_keys",
		"signature",
		"authorization",
		"admin_key",
		"bot_token",
		"api_key":
		return true
	default:
		return false
	}
}
