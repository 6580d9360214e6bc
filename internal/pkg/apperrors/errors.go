package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrConfig                 ErrorType = "CONFIG_ERROR"
	ErrInvalidRequest         ErrorType = "INVALID_REQUEST"
	ErrAuthFailed             ErrorType = "AUTH_FAILED"
	ErrNotFound               ErrorType = "NOT_FOUND"
	ErrMarketUnavailable      ErrorType = "MARKET_UNAVAILABLE"
	ErrPriceUnavailable       ErrorType = "PRICE_UNAVAILABLE"
	ErrUpstream               ErrorType = "UPSTREAM_ERROR"
	ErrGasTooHigh             ErrorType = "GAS_TOO_HIGH"
	ErrReplacementUnderpriced ErrorType = "REPLACEMENT_UNDERPRICED"
	ErrOperationFailed        ErrorType = "OPERATION_FAILED"
	ErrTimeout                ErrorType = "TIMEOUT"
	ErrCallNotAllowed         ErrorType = "CALL_NOT_ALLOWED"
	ErrNonce                  ErrorType = "NONCE_ERROR"
	ErrSystemPanic            ErrorType = "SYSTEM_PANIC"
	ErrReadOnly               ErrorType = "READ_ONLY"
	ErrInternal               ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType      `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	HTTPStatus int            `json:"-"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request may succeed if issued again
// later without operator involvement.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrMarketUnavailable, ErrPriceUnavailable, ErrUpstream, ErrReplacementUnderpriced, ErrNonce:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error should stop the current operation for good
// rather than being skipped until the next cycle.
func (e *AppError) Fatal() bool {
	switch e.Type {
	case ErrConfig, ErrCallNotAllowed, ErrSystemPanic:
		return true
	default:
		return false
	}
}

// WithDetail attaches a diagnostic value and returns the same error.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func NewConfig(msg string) *AppError {
	return New(ErrConfig, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// Is reports whether err carries an AppError of the given type anywhere in its chain.
func Is(err error, errType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// IsRetryable is a convenience over Wrap(err).Retryable() that treats nil as not retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest, ErrCallNotAllowed:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNonce, ErrReplacementUnderpriced:
		return http.StatusConflict
	case ErrSystemPanic, ErrMarketUnavailable, ErrPriceUnavailable:
		return http.StatusServiceUnavailable
	case ErrNotFound:
		return http.StatusNotFound
	case ErrReadOnly:
		return http.StatusForbidden
	case ErrUpstream, ErrGasTooHigh, ErrOperationFailed:
		return http.StatusBadGateway
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrConfig:
		return "Check signer, relayer and contract settings."
	case ErrGasTooHigh:
		return "Wait for lower gas prices or raise the sponsorship limit."
	case ErrTimeout:
		return "Check the operation hash on-chain before resubmitting."
	case ErrOperationFailed:
		return "Inspect the attached receipt for the revert reason."
	case ErrCallNotAllowed:
		return "Add the target contract to the allow-list."
	case ErrNonce, ErrReplacementUnderpriced:
		return "Retry the request."
	case ErrAuthFailed:
		return "Check the admin key."
	case ErrSystemPanic:
		return "Wait for system recovery."
	case ErrReadOnly:
		return "Disable dry-run mode to allow writes."
	default:
		return ""
	}
}
