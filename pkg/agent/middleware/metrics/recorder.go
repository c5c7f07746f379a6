// Package metrics records per-backend call metrics.
package metrics

import "time"

// Call describes one backend attempt.
type Call struct {
	Model            string
	Step             string
	ErrorType        string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
	Duration         time.Duration
	Success          bool
}

// Recorder receives backend call observations.
type Recorder interface {
	ObserveBackendCall(call Call)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a no-op recorder.
func Nop() Recorder {
	return NoopRecorder{}
}

// ObserveBackendCall does nothing.
func (NoopRecorder) ObserveBackendCall(Call) {}
