package limiter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"codeforge/pkg/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(clock *fakeClock, reqs, tokens int) *Limiter {
	return NewLimiter(config.RateLimitConfig{RequestsPerMinute: reqs, TokensPerHour: tokens}, WithClock(clock.Now))
}

func TestRequestWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 10, 500000)

	for i := 0; i < 10; i++ {
		require.True(t, l.Admit("alice"), "call %d", i+1)
		clock.Advance(time.Second)
	}
	assert.False(t, l.Admit("alice"))
	assert.ErrorIs(t, l.Check("alice"), ErrRateLimit)

	// other callers are independent
	assert.True(t, l.Admit("bob"))

	clock.Advance(61 * time.Second)
	assert.True(t, l.Admit("alice"))
}

func TestTokenWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 100, 1000)

	l.RecordUsage("alice", 600)
	assert.True(t, l.TokensAvailable("alice", 400))
	assert.False(t, l.TokensAvailable("alice", 401))
	require.True(t, l.Admit("alice"))

	l.RecordUsage("alice", 400)
	assert.ErrorIs(t, l.Check("alice"), ErrTokenRateLimit)

	st := l.GetStatus("alice")
	assert.Equal(t, 1000, st.TokensLastHour)
	assert.Equal(t, 1, st.Requests)

	clock.Advance(time.Hour + time.Second)
	assert.True(t, l.Admit("alice"))
	assert.Zero(t, l.GetStatus("alice").TokensLastHour)
}

func TestRecordUsageIgnoresNonPositive(t *testing.T) {
	l := newTestLimiter(newFakeClock(), 10, 100)
	l.RecordUsage("alice", 0)
	l.RecordUsage("alice", -5)
	assert.Zero(t, l.GetStatus("alice").TokensLastHour)
}

func TestReset(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock, 1, 100)

	require.True(t, l.Admit("alice"))
	require.True(t, l.Admit("bob"))
	require.False(t, l.Admit("alice"))

	l.Reset("alice")
	assert.True(t, l.Admit("alice"))
	assert.False(t, l.Admit("bob"))

	l.ResetAll()
	assert.True(t, l.Admit("bob"))
}

func TestConcurrentAdmitNeverOverAdmits(t *testing.T) {
	l := newTestLimiter(newFakeClock(), 10, 500000)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
}

func TestNPlusOneRejectedWithinWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 20).Draw(rt, "limit")
		clock := newFakeClock()
		l := newTestLimiter(clock, limit, 1_000_000)

		for i := 0; i < limit; i++ {
			if !l.Admit("c") {
				rt.Fatalf("call %d of %d rejected", i+1, limit)
			}
			step := rapid.IntRange(0, 59000/limit).Draw(rt, "gap_ms")
			clock.Advance(time.Duration(step) * time.Millisecond)
		}
		if l.Admit("c") {
			rt.Fatalf("call %d admitted inside the window", limit+1)
		}
		clock.Advance(time.Minute)
		if !l.Admit("c") {
			rt.Fatalf("admission did not resume after the window elapsed")
		}
	})
}
