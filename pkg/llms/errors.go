package llms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode classifies provider failures for the transport layer.
type ErrorCode string

const (
	ErrCodeUnreachable ErrorCode = "unreachable"
	ErrCodeAuth        ErrorCode = "auth"
	ErrCodeBadResponse ErrorCode = "bad_response"
	ErrCodeTimeout     ErrorCode = "timeout"
)

// ProviderError wraps a backend failure with its classification. The HTTP
// layer maps these to 502 responses or terminal stream error events.
type ProviderError struct {
	Provider string
	Code     ErrorCode
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s provider %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// classifyTransportError turns a network-level failure into a ProviderError.
func classifyTransportError(provider string, err error) *ProviderError {
	code := ErrCodeUnreachable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = ErrCodeTimeout
	}
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  "request failed",
		Err:      err,
	}
}

// classifyStatusError turns a non-2xx HTTP response into a ProviderError.
func classifyStatusError(provider string, status int, body string) *ProviderError {
	code := ErrCodeBadResponse
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrCodeAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = ErrCodeTimeout
	}
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Message:  fmt.Sprintf("HTTP %d: %s", status, truncate(body, 200)),
	}
}

func badResponseError(provider string, message string, err error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     ErrCodeBadResponse,
		Message:  message,
		Err:      err,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
