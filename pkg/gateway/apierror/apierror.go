// Package apierror is the canonical JSON error shape of the HTTP API.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/studylive/pkg/allowlist"
	"github.com/vango-go/studylive/pkg/live/protocol"
	"github.com/vango-go/studylive/pkg/usage"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrQuota          ErrorType = "quota_exceeded_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrUnavailable    ErrorType = "unavailable_error"
)

type Error struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Param      string         `json:"param,omitempty"`
	Code       string         `json:"code,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	RetryAfter *int           `json:"retry_after,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr != nil {
		return &Error{
			Type:      ErrInvalidRequest,
			Message:   decodeErr.Message,
			Code:      decodeErr.Code,
			Param:     decodeErr.Param,
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	switch {
	case errors.Is(err, usage.ErrLimitReached):
		return &Error{Type: ErrQuota, Message: "usage limit reached", Code: "limit_reached", RequestID: requestID}, http.StatusTooManyRequests
	case errors.Is(err, usage.ErrNoIdentity):
		return &Error{Type: ErrInvalidRequest, Message: "no identity to meter usage against", Code: "no_identity", RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, usage.ErrNegativeDuration):
		return &Error{Type: ErrInvalidRequest, Message: "durationMinutes must be a non-negative number", Param: "durationMinutes", RequestID: requestID}, http.StatusBadRequest
	case errors.Is(err, allowlist.ErrNotLoaded):
		return &Error{Type: ErrUnavailable, Message: "origin allowlist is not loaded yet", Code: "allowlist_not_loaded", RequestID: requestID}, http.StatusServiceUnavailable
	}

	// Unknown errors: do not leak details.
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimit, ErrQuota:
		return http.StatusTooManyRequests
	case ErrOverloaded:
		return 529
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Write sends err as the JSON error envelope.
func Write(w http.ResponseWriter, status int, err *Error) {
	if err != nil && err.RetryAfter != nil && *err.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(*err.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}
