package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorType
		transient bool
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTransient, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorTypeTransient, true},
		{"status 503", errors.New("POST /v1/messages: status code: 503 overloaded"), ErrorTypeTransient, true},
		{"status 429", errors.New("HTTP 429 Too Many Requests"), ErrorTypeRateLimit, true},
		{"status 401", errors.New("status: 401 unauthorized"), ErrorTypeAuth, false},
		{"status 400", errors.New("status code: 400 bad"), ErrorTypeBadPrompt, false},
		{"connection reset", errors.New("read: connection reset by peer"), ErrorTypeTransient, true},
		{"quota", errors.New("quota exhausted for project"), ErrorTypeRateLimit, true},
		{"mystery", errors.New("something odd"), ErrorTypeUnknown, false},
		{"already classified", NewError(ErrorTypeEmptyResponse, "no text"), ErrorTypeEmptyResponse, true},
		{"unavailable", NewError(ErrorTypeServiceUnavailable, "circuit open"), ErrorTypeServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestCanceledIsNeverTransient(t *testing.T) {
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Classify(nil))
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, ErrorTypeTransient, FromStatus(502, nil).Type)
	assert.Equal(t, ErrorTypeTransient, FromStatus(408, nil).Type)
	assert.Equal(t, ErrorTypeAuth, FromStatus(403, nil).Type)
	assert.Equal(t, ErrorTypeBadPrompt, FromStatus(422, nil).Type)
	assert.Equal(t, 429, FromStatus(429, nil).StatusCode)
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := NewErrorWithCause(ErrorTypeTransient, cause, "network error")
	err.Backend = "gpt-4o"

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "[gpt-4o]")
	assert.Contains(t, err.Error(), "transient")
	assert.True(t, Is(fmt.Errorf("wrap: %w", err), ErrorTypeTransient))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}
