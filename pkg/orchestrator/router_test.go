package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"codeforge/pkg/budget"
	"codeforge/pkg/config"
	"codeforge/pkg/limiter"
	"codeforge/pkg/proto"
)

func newState() proto.JobState {
	return proto.NewJobState("job", "alice", "build a todo app", 3, 1000)
}

func newRouter(reqs int) *Router {
	l := limiter.NewLimiter(config.RateLimitConfig{RequestsPerMinute: reqs, TokensPerHour: 1_000_000})
	return NewRouter(l, budget.NewDefaultLedger())
}

func TestPrecheckPrecedence(t *testing.T) {
	// every stop condition at once: rate limit wins
	r := newRouter(1)
	s := newState()
	s.RetryCount = 3
	s.TotalTokens = 5000
	s.ValidationPassed = true

	_, stop := r.Precheck(&s) // consumes the only slot
	require.True(t, stop)
	d, stop := r.Precheck(&s)
	require.True(t, stop)
	assert.ErrorIs(t, d.Cause, limiter.ErrRateLimit)
	next := proto.Apply(s, d.Delta)
	assert.Equal(t, proto.StatusFailed, next.Status)
	assert.Equal(t, "Rate limit exceeded", next.Error)
	assert.True(t, next.Done)

	r = newRouter(100)
	d, _ = r.Precheck(&s)
	assert.ErrorIs(t, d.Cause, ErrRetriesExhausted)

	s.RetryCount = 0
	d, _ = r.Precheck(&s)
	assert.ErrorIs(t, d.Cause, ErrBudgetExhausted)
	next = proto.Apply(s, d.Delta)
	assert.Equal(t, proto.StatusBudgetExceeded, next.Status)
	assert.Empty(t, next.Error)
	assert.NotEmpty(t, next.StopReason)

	s.TotalTokens = 0
	d, _ = r.Precheck(&s)
	assert.NoError(t, d.Cause)
	assert.Equal(t, proto.StatusCompleted, proto.Apply(s, d.Delta).Status)

	s.ValidationPassed = false
	_, stop = r.Precheck(&s)
	assert.False(t, stop)
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		raw     string
		want    proto.StepID
		wantErr bool
	}{
		{`{"next_agent":"planner","reason":"no spec"}`, proto.StepPlanner, false},
		{"```json\n{\"next_agent\":\"fe_executor\"}\n```", proto.StepFrontend, false},
		{`{"next_agent":"Backend"}`, proto.StepBackend, false},
		{`{"next_agent":"done"}`, proto.StepDone, false},
		{`{"next_agent":""}`, "", true},
		{`{"next_agent":"orchestrator"}`, "", true},
		{`{"next_agent":"deployer"}`, "", true},
		{`route to planner please`, "", true},
		{``, "", true},
	}
	for _, tt := range tests {
		got, _, err := ParseDecision(tt.raw)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnparseable, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestDefaultRoute(t *testing.T) {
	s := newState()
	assert.Equal(t, proto.StepPlanner, DefaultRoute(&s))
	s.Spec = "spec"
	assert.Equal(t, proto.StepFrontend, DefaultRoute(&s))
	s.FrontendFiles = map[string]string{"a": "b"}
	assert.Equal(t, proto.StepBackend, DefaultRoute(&s))
	s.BackendFiles = map[string]string{"c": "d"}
	assert.Equal(t, proto.StepValidator, DefaultRoute(&s))
	s.RetryTarget = proto.RetryFrontend
	assert.Equal(t, proto.StepFrontend, DefaultRoute(&s))
	s.RetryTarget = proto.RetryNone
	s.ValidationPassed = true
	assert.Equal(t, proto.StepDone, DefaultRoute(&s))
}

func TestRouteUnparseableFallsBack(t *testing.T) {
	r := newRouter(100)
	s := newState()
	d := r.Route(&s, "I think the planner")
	assert.True(t, d.Fallback)
	assert.Equal(t, proto.StepPlanner, d.Next)
	assert.False(t, d.Retry)
}

func TestRouteReturnTransition(t *testing.T) {
	r := newRouter(100)
	s := newState()
	s.Spec = "spec"
	s.FrontendFiles = map[string]string{"a": "b"}
	s.BackendFiles = map[string]string{"c": "d"}
	s = proto.Apply(s, proto.ValidationDelta{Passed: false, Report: "broken", Target: proto.RetryFrontend})

	d := r.Route(&s, `{"next_agent":"frontend","reason":"validator failed"}`)
	require.Equal(t, proto.StepFrontend, d.Next)
	assert.True(t, d.Retry)

	next := proto.Apply(s, d.Delta)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, proto.RetryNone, next.RetryTarget)
	assert.Equal(t, proto.StepFrontend, next.CurrentStep)
}

func TestRouteQuotaOverride(t *testing.T) {
	r := newRouter(100)
	s := newState()
	s.TokenBudget = 1_000_000
	s = budget.NewDefaultLedger().Apply(s, proto.StepPlanner, 10000, 0, 0, "")

	d := r.Route(&s, `{"next_agent":"planner"}`)
	assert.ErrorIs(t, d.Cause, ErrStepQuota)
	next := proto.Apply(s, d.Delta)
	assert.Equal(t, proto.StatusBudgetExceeded, next.Status)
	assert.Empty(t, next.Error)
}

func TestRouteDoneBeforeValidationFails(t *testing.T) {
	r := newRouter(100)
	s := newState()
	d := r.Route(&s, `{"next_agent":"done"}`)
	assert.ErrorIs(t, d.Cause, ErrEndedEarly)
	assert.Equal(t, proto.StatusFailed, proto.Apply(s, d.Delta).Status)
}

// Stop conditions always beat content-driven routing.
func TestStopRulesWinOverRouting(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newState()
		s.MaxRetries = rapid.IntRange(0, 3).Draw(rt, "max_retries")
		s.RetryCount = rapid.IntRange(0, 4).Draw(rt, "retry_count")
		s.TokenBudget = rapid.IntRange(1, 500).Draw(rt, "budget")
		s.TotalTokens = rapid.IntRange(0, 600).Draw(rt, "tokens")
		s.ValidationPassed = rapid.Bool().Draw(rt, "passed")

		d, stop := newRouter(100).Precheck(&s)
		mustStop := s.RetryCount >= s.MaxRetries || s.TotalTokens >= s.TokenBudget || s.ValidationPassed
		if stop != mustStop {
			rt.Fatalf("stop=%v, want %v for %+v", stop, mustStop, s)
		}
		if stop && !d.Terminal() {
			rt.Fatalf("stop decision is not terminal")
		}
	})
}
