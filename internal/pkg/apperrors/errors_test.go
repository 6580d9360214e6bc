package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableKinds(t *testing.T) {
	assert.True(t, New(ErrReplacementUnderpriced, "underpriced", nil).Retryable())
	assert.True(t, New(ErrPriceUnavailable, "no price", nil).Retryable())
	assert.False(t, New(ErrGasTooHigh, "sponsor limit", nil).Retryable())
	assert.False(t, New(ErrTimeout, "no receipt", nil).Retryable())
	assert.False(t, New(ErrOperationFailed, "reverted", nil).Retryable())
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, NewConfig("missing signer").Fatal())
	assert.True(t, New(ErrCallNotAllowed, "blocked", nil).Fatal())
	assert.False(t, NewNotFound("agent").Fatal())
}

func TestIsFollowsWrappedChain(t *testing.T) {
	base := New(ErrTimeout, "receipt not found", nil)
	wrapped := fmt.Errorf("auto repay: %w", base)

	assert.True(t, Is(wrapped, ErrTimeout))
	assert.False(t, Is(wrapped, ErrOperationFailed))
	assert.False(t, Is(errors.New("plain"), ErrTimeout))
}

func TestWrapKeepsAppError(t *testing.T) {
	base := New(ErrGasTooHigh, "too expensive", nil)
	assert.Same(t, base, Wrap(fmt.Errorf("ctx: %w", base)))

	plain := Wrap(errors.New("boom"))
	assert.Equal(t, ErrInternal, plain.Type)
	assert.Equal(t, http.StatusInternalServerError, plain.HTTPStatus)
	assert.Nil(t, Wrap(nil))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrOperationFailed, "reverted", nil).WithDetail("receipt", map[string]any{"success": false})
	assert.Contains(t, err.Details, "receipt")
	assert.Equal(t, http.StatusBadGateway, err.HTTPStatus)
}
