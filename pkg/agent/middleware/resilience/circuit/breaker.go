// Package circuit provides a per-backend circuit breaker so a backend that is
// failing repeatedly is skipped without a network round trip.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"codeforge/pkg/config"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states.
const (
	Closed   State = iota // normal operation
	Open                  // failing, reject requests
	HalfOpen              // probing for recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open duration before a half-open probe
}

// FromConfig converts the loaded resilience settings.
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
	}
}

// Error is returned when the circuit rejects a call.
type Error struct {
	Backend string
	State   State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s", e.Backend, e.State)
}

// Breaker defines the interface for circuit breaker implementations.
type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

type breaker struct {
	now             func() time.Time
	lastFailureTime time.Time
	config          Config
	state           State
	failureCount    int
	successCount    int
	mu              sync.Mutex
}

// New creates a closed circuit breaker.
func New(config Config) Breaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config Config, now func() time.Time) *breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &breaker{config: config, state: Closed, now: now}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen once the
// timeout has elapsed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
	}
	return false
}

// Record records the outcome of a call.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
