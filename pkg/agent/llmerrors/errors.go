// Package llmerrors classifies backend failures so the fallback chain can
// tell a transient failure (advance to the next backend) from a permanent one.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType is the classified failure kind.
type ErrorType int8

const (
	// ErrorTypeRateLimit is a provider-side 429 or quota error.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers timeouts, connection resets and 5xx responses.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse is a successful call that returned no text.
	ErrorTypeEmptyResponse
	// ErrorTypeServiceUnavailable means the backend refused the call locally
	// (open circuit) or is known to be down.
	ErrorTypeServiceUnavailable
	// ErrorTypeAuth is a credential problem; retrying elsewhere may still help.
	ErrorTypeAuth
	// ErrorTypeBadPrompt is a 400-class rejection of the request itself.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is anything unclassified.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified backend error.
type Error struct {
	Err        error     // wrapped cause
	Message    string    // human-readable message
	Backend    string    // backend that produced the error, if known
	Type       ErrorType // classified type
	StatusCode int       // HTTP status if applicable
}

func (e *Error) Error() string {
	prefix := "LLM error"
	if e.Backend != "" {
		prefix = fmt.Sprintf("LLM error [%s]", e.Backend)
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s (%s): %s: %v", prefix, e.Type, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s (%s): %s", prefix, e.Type, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s (%s): %v", prefix, e.Type, e.Err)
	}
	return fmt.Sprintf("%s (%s): status %d", prefix, e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether trying another backend may succeed.
func (e *Error) IsTransient() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse, ErrorTypeServiceUnavailable:
		return true
	}
	return false
}

// NewError creates a classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus creates a classified error carrying an HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

// NewErrorWithCause creates a classified error wrapping cause.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Is reports whether err is a classified error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classified type, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

// IsTransient classifies err and reports whether it is transient.
// Caller cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err).IsTransient()
}

// FromStatus classifies an HTTP status code returned by a provider SDK.
func FromStatus(statusCode int, cause error) *Error {
	switch {
	case statusCode == 401 || statusCode == 403:
		return &Error{Type: ErrorTypeAuth, StatusCode: statusCode, Err: cause, Message: "authentication failed"}
	case statusCode == 429:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: statusCode, Err: cause, Message: "rate limit exceeded"}
	case statusCode == 408:
		return &Error{Type: ErrorTypeTransient, StatusCode: statusCode, Err: cause, Message: "request timeout"}
	case statusCode >= 500:
		return &Error{Type: ErrorTypeTransient, StatusCode: statusCode, Err: cause, Message: "server error"}
	case statusCode >= 400:
		return &Error{Type: ErrorTypeBadPrompt, StatusCode: statusCode, Err: cause, Message: "request rejected"}
	}
	return Classify(cause)
}

// Classify maps an arbitrary error to a classified *Error. Already classified
// errors are returned as is.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewErrorWithCause(ErrorTypeTransient, err, "network error")
	}

	if code := extractStatusCode(err.Error()); code != 0 {
		return FromStatus(code, err)
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset", "unavailable", "overloaded"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny(lower, "rate limit", "quota", "too many requests"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(lower, "unauthorized", "api key", "forbidden"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny(lower, "invalid", "too large", "context length"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// extractStatusCode finds an HTTP status embedded in an SDK error string.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range []string{"status code: ", "status code ", "status: ", "http "} {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(lower) {
			continue
		}
		code := 0
		for _, ch := range lower[start : start+3] {
			if ch < '0' || ch > '9' {
				code = 0
				break
			}
			code = code*10 + int(ch-'0')
		}
		if code >= 100 && code <= 599 {
			return code
		}
	}
	return 0
}
