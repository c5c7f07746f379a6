// Package fallback wraps one step's generation call in a priority-ordered
// list of backends. A transient failure advances to the next backend; any
// other failure is returned at once.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
	"codeforge/pkg/config"
	"codeforge/pkg/logx"
)

// MaxAttempts bounds attempts per invocation regardless of chain length.
const MaxAttempts = 3

// ErrChainExhausted wraps the last error once every attempt has failed.
var ErrChainExhausted = errors.New("fallback chain exhausted")

// Backend is one named entry in the chain.
type Backend struct {
	Client llm.LLMClient
	Name   string
}

// Attempt records one backend call.
type Attempt struct {
	Err      error
	Backend  string
	Usage    llm.Usage
	CostUSD  float64
	Duration time.Duration
}

// Result is the outcome of a successful invocation. Usage and CostUSD cover
// every attempt, including failed ones that still reported tokens.
type Result struct {
	Response llm.CompletionResponse
	Backend  string
	Attempts []Attempt
	Usage    llm.Usage
	CostUSD  float64
}

// Chain tries backends in order.
type Chain struct {
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *logx.Logger
	override    *Backend
	backends    []Backend
	backoff     config.BackoffConfig
	maxAttempts int
}

// Option configures a Chain.
type Option func(*Chain)

// WithOverride forces one backend for every attempt, bypassing the chain.
func WithOverride(b Backend) Option {
	return func(c *Chain) { c.override = &b }
}

// WithBackoff sets the delay between attempts.
func WithBackoff(cfg config.BackoffConfig) Option {
	return func(c *Chain) { c.backoff = cfg }
}

// WithMaxAttempts lowers the attempt bound. Values above MaxAttempts are capped.
func WithMaxAttempts(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Chain) { c.sleep = sleep }
}

// New builds a chain over backends in priority order.
func New(backends []Backend, opts ...Option) *Chain {
	c := &Chain{
		backends:    backends,
		maxAttempts: MaxAttempts,
		sleep:       sleepCtx,
		logger:      logx.NewLogger("fallback"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempts returns the number of attempts one invocation may make.
func (c *Chain) Attempts() int {
	n := min(c.maxAttempts, MaxAttempts)
	if c.override == nil {
		n = min(n, len(c.backends))
	}
	return n
}

// Backends returns the backend names in attempt order.
func (c *Chain) Backends() []string {
	names := make([]string, 0, c.Attempts())
	for i := 0; i < c.Attempts(); i++ {
		names = append(names, c.pick(i).Name)
	}
	return names
}

func (c *Chain) pick(attempt int) Backend {
	if c.override != nil {
		return *c.override
	}
	return c.backends[attempt]
}

// Invoke runs req against the chain. Non-transient errors and caller
// cancellation stop immediately; otherwise the last error is returned wrapped
// in ErrChainExhausted. The Result is returned on error too so the caller can
// still account for tokens spent by failed attempts.
func (c *Chain) Invoke(ctx context.Context, req llm.CompletionRequest) (Result, error) {
	var res Result
	attempts := c.Attempts()
	if attempts == 0 {
		return res, fmt.Errorf("%w: no backends configured", ErrChainExhausted)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := c.sleep(ctx, c.delay(i+1)); err != nil {
				return res, err
			}
		}

		b := c.pick(i)
		start := time.Now()
		resp, err := b.Client.Complete(ctx, req)
		cost := config.CalculateCost(b.Name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		res.Attempts = append(res.Attempts, Attempt{
			Backend:  b.Name,
			Err:      err,
			Usage:    resp.Usage,
			CostUSD:  cost,
			Duration: time.Since(start),
		})
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		res.CostUSD += cost
		res.Backend = b.Name

		if err == nil {
			res.Response = resp
			if i > 0 {
				c.logger.Info("step %s succeeded on fallback attempt %d using %s", req.Tags.Step, i+1, b.Name)
			}
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !llmerrors.IsTransient(err) {
			return res, err
		}
		c.logger.Warn("step %s attempt %d on %s failed (%s): %v",
			req.Tags.Step, i+1, b.Name, llmerrors.Classify(err).Type, err)
	}
	return res, fmt.Errorf("%w after %d attempts: %w", ErrChainExhausted, attempts, lastErr)
}

// delay is the wait before the given 1-based attempt: zero for the first,
// then InitialDelay * BackoffFactor^(attempt-2) capped at MaxDelay.
func (c *Chain) delay(attempt int) time.Duration {
	if attempt <= 1 || c.backoff.InitialDelay <= 0 {
		return 0
	}
	factor := c.backoff.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(c.backoff.InitialDelay) * math.Pow(factor, float64(attempt-2)))
	if c.backoff.MaxDelay > 0 && d > c.backoff.MaxDelay {
		d = c.backoff.MaxDelay
	}
	if c.backoff.Jitter && d > 0 {
		// +/-10%
		d += time.Duration(float64(d) * 0.1 * (2*rand.Float64() - 1))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
