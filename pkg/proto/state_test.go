package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState() JobState {
	return NewJobState("job-1", "caller-1", "build a todo app", 3, 1000)
}

func TestNewJobStateDefaults(t *testing.T) {
	s := newTestState()

	assert.Equal(t, StepOrchestrator, s.CurrentStep)
	assert.Equal(t, StatusPending, s.Status)
	assert.False(t, s.Done)
	assert.Zero(t, s.TotalTokens)
	assert.NotNil(t, s.TokensByStep)
	assert.NotNil(t, s.FrontendFiles)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := newTestState()
	next := Apply(s, FrontendDelta{Files: map[string]string{"page.tsx": "x"}})

	assert.Empty(t, s.FrontendFiles)
	assert.Equal(t, "x", next.FrontendFiles["page.tsx"])

	next.FrontendFiles["other.tsx"] = "y"
	assert.NotContains(t, s.FrontendFiles, "other.tsx")
}

func TestDoneIsTerminal(t *testing.T) {
	s := Apply(newTestState(), TerminateDelta{Status: StatusCompleted})
	require.True(t, s.Done)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, StepDone, s.CurrentStep)

	after := Apply(s, RouteDelta{Next: StepPlanner})
	assert.Equal(t, StepDone, after.CurrentStep)
	assert.Equal(t, s.RetryCount, after.RetryCount)

	after = Apply(s, UsageDelta{Step: StepPlanner, InputTokens: 10})
	assert.Zero(t, after.TotalTokens)
}

func TestUsageDeltaKeepsTotalsConsistent(t *testing.T) {
	s := newTestState()
	s = Apply(s, UsageDelta{Step: StepOrchestrator, InputTokens: 10, OutputTokens: 5, CostUSD: 0.1, Backend: "gpt-4o-mini"})
	s = Apply(s, UsageDelta{Step: StepPlanner, InputTokens: 100, OutputTokens: 50, CostUSD: 0.2})
	s = Apply(s, UsageDelta{Step: StepOrchestrator, InputTokens: 1, OutputTokens: 1, CostUSD: 0.3})

	tokens, cost := SumUsage(s.TokensByStep, s.CostByStep)
	assert.Equal(t, tokens, s.TotalTokens)
	assert.Equal(t, cost, s.TotalCostUSD)
	assert.Equal(t, 167, s.TotalTokens)
	assert.Equal(t, 17, s.TokensByStep[StepOrchestrator])
	assert.Equal(t, "gpt-4o-mini", s.ModelUsed)
}

func TestRouteDeltaRetry(t *testing.T) {
	s := newTestState()
	s = Apply(s, ValidationDelta{Passed: false, Report: "broken", Target: RetryFrontend})
	require.Equal(t, RetryFrontend, s.RetryTarget)

	s = Apply(s, RouteDelta{Next: StepFrontend, Retry: true})
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, RetryNone, s.RetryTarget)
	assert.Equal(t, StepFrontend, s.CurrentStep)
	assert.Equal(t, StatusRunning, s.Status)
}

func TestFailureDeltaOnValidator(t *testing.T) {
	s := newTestState()
	s = Apply(s, FailureDelta{Step: StepValidator, Error: "bad json", Target: RetryFrontend, Report: "invalid"})

	assert.Equal(t, "bad json", s.Error)
	assert.Equal(t, RetryFrontend, s.RetryTarget)
	assert.False(t, s.ValidationPassed)
	assert.Equal(t, "invalid", s.ValidationReport)
}

func TestParseStepID(t *testing.T) {
	for name, want := range map[string]StepID{
		"planner":     StepPlanner,
		"fe_executor": StepFrontend,
		"be_executor": StepBackend,
		"frontend":    StepFrontend,
		"done":        StepDone,
	} {
		got, err := ParseStepID(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseStepID("deployer")
	assert.Error(t, err)

	assert.Equal(t, RetryBackend, ParseRetryTarget("be_executor"))
	assert.Equal(t, RetryNone, ParseRetryTarget("validator"))
	assert.Equal(t, RetryNone, ParseRetryTarget(""))
}

func TestWireFormat(t *testing.T) {
	s := newTestState()
	s = Apply(s, PlanDelta{Spec: "spec", Pages: []string{"/"}})
	s = Apply(s, UsageDelta{Step: StepPlanner, InputTokens: 3, OutputTokens: 4})

	b, err := s.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, s.JobID, got.JobID)
	assert.Equal(t, 7, got.TokensByStep[StepPlanner])
	assert.Equal(t, []string{"/"}, got.Pages)

	_, err = Unmarshal([]byte(`{"caller_id":"x"}`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"job_id":"x","current_step":"deploy"}`))
	assert.Error(t, err)

	minimal, err := Unmarshal([]byte(`{"job_id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, StepOrchestrator, minimal.CurrentStep)
	assert.NotNil(t, minimal.BackendFiles)
}
