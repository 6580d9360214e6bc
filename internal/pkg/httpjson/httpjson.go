// Package httpjson is the shared JSON-over-HTTP helper for the keeper's
// REST and GraphQL upstreams.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
)

const maxBody = 8 << 20

// NewClient returns an *http.Client with the given timeout (10s if zero).
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Do sends payload (if any) as JSON and returns the raw response body.
// Non-2xx responses become ErrUpstream carrying the status and a body
// excerpt.
func Do(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrInternal, "failed to encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, fmt.Sprintf("%s %s failed", method, hostOf(url)), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "failed to read response", err)
	}
	if resp.StatusCode >= 300 {
		excerpt := strings.TrimSpace(string(data))
		if len(excerpt) > 512 {
			excerpt = excerpt[:512]
		}
		return data, apperrors.Newf(apperrors.ErrUpstream, "%s returned %s", hostOf(url), resp.Status).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", excerpt)
	}
	return data, nil
}

// hostOf keeps API keys embedded in paths out of error messages.
func hostOf(url string) string {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
