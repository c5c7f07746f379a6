// Package limiter provides per-caller sliding-window admission control: a
// request-count window over the trailing minute and a token-volume window over
// the trailing hour.
package limiter

import (
	"errors"
	"sync"
	"time"

	"codeforge/pkg/config"
	"codeforge/pkg/logx"
)

const (
	requestWindow = time.Minute
	tokenWindow   = time.Hour
)

var (
	// ErrRateLimit is returned when a caller's request window is full.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrTokenRateLimit is returned when a caller's hourly token window is full.
	ErrTokenRateLimit = errors.New("hourly token limit exceeded")
)

type usage struct {
	at     time.Time
	tokens int
}

// callerWindow holds one caller's two windows, ordered by time.
type callerWindow struct {
	mu       sync.Mutex
	requests []time.Time
	tokens   []usage
}

// Limiter is safe for concurrent use; callers sharing an id contend only on
// their own window.
type Limiter struct {
	callers map[string]*callerWindow
	now     func() time.Time
	logger  *logx.Logger

	maxRequests int
	maxTokens   int
	mu          sync.RWMutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter with the given ceilings.
func NewLimiter(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		callers:     make(map[string]*callerWindow),
		now:         time.Now,
		logger:      logx.NewLogger("limiter"),
		maxRequests: cfg.RequestsPerMinute,
		maxTokens:   cfg.TokensPerHour,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) window(callerID string) *callerWindow {
	l.mu.RLock()
	w, ok := l.callers[callerID]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.callers[callerID]; ok {
		return w
	}
	w = &callerWindow{}
	l.callers[callerID] = w
	return w
}

// prune drops entries at or before the window start. Caller holds w.mu.
func (w *callerWindow) prune(now time.Time) {
	reqStart := now.Add(-requestWindow)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(reqStart) {
		i++
	}
	w.requests = w.requests[i:]

	tokStart := now.Add(-tokenWindow)
	j := 0
	for j < len(w.tokens) && !w.tokens[j].at.After(tokStart) {
		j++
	}
	w.tokens = w.tokens[j:]
}

func (w *callerWindow) tokenTotal() int {
	total := 0
	for _, u := range w.tokens {
		total += u.tokens
	}
	return total
}

// Check prunes expired entries, then admits and records one request or returns
// ErrRateLimit / ErrTokenRateLimit. Check and record happen under one lock.
func (l *Limiter) Check(callerID string) error {
	w := l.window(callerID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)

	if len(w.requests) >= l.maxRequests {
		l.logger.Warn("RATELIMIT: caller %s rejected, %d requests in the last minute", callerID, len(w.requests))
		return ErrRateLimit
	}
	if total := w.tokenTotal(); total >= l.maxTokens {
		l.logger.Warn("RATELIMIT: caller %s rejected, %d tokens in the last hour", callerID, total)
		return ErrTokenRateLimit
	}
	w.requests = append(w.requests, now)
	return nil
}

// Admit reports whether the caller is within both windows, recording the request if so.
func (l *Limiter) Admit(callerID string) bool {
	return l.Check(callerID) == nil
}

// RecordUsage appends spent tokens to the caller's hourly window. It is
// independent of admission: spent tokens are recorded even if later calls are rejected.
func (l *Limiter) RecordUsage(callerID string, tokens int) {
	if tokens <= 0 {
		return
	}
	w := l.window(callerID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.tokens = append(w.tokens, usage{at: now, tokens: tokens})
}

// TokensAvailable reports whether estimate more tokens fit in the hourly window.
func (l *Limiter) TokensAvailable(callerID string, estimate int) bool {
	w := l.window(callerID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return w.tokenTotal()+estimate <= l.maxTokens
}

// Status is a snapshot of one caller's windows.
type Status struct {
	Requests         int
	MaxRequests      int
	TokensLastHour   int
	MaxTokensPerHour int
}

// GetStatus returns the caller's current window usage.
func (l *Limiter) GetStatus(callerID string) Status {
	w := l.window(callerID)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return Status{
		Requests:         len(w.requests),
		MaxRequests:      l.maxRequests,
		TokensLastHour:   w.tokenTotal(),
		MaxTokensPerHour: l.maxTokens,
	}
}

// Reset clears one caller's windows. Operator and test use only.
func (l *Limiter) Reset(callerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callers, callerID)
}

// ResetAll clears every caller's windows.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callers = make(map[string]*callerWindow)
	l.logger.Info("RATELIMIT: all caller windows reset")
}
