package proto

import (
	"maps"
	"slices"
	"time"
)

// Delta is a typed, step-scoped change to a JobState. Each implementation
// touches only the fields its producer is allowed to write.
type Delta interface {
	apply(s *JobState)
}

// Apply returns a new state with d merged in. A done state is returned unchanged.
func Apply(s JobState, d Delta) JobState {
	if s.Done || d == nil {
		return s
	}
	next := s.Clone()
	d.apply(&next)
	return next
}

// PlanDelta is produced by the planner step.
type PlanDelta struct {
	Spec       string
	Pages      []string
	Endpoints  []string
	DataModels []string
}

func (d PlanDelta) apply(s *JobState) {
	s.Spec = d.Spec
	s.Pages = slices.Clone(d.Pages)
	s.Endpoints = slices.Clone(d.Endpoints)
	s.DataModels = slices.Clone(d.DataModels)
	s.Error = ""
}

// FrontendDelta is produced by the frontend step and replaces its files.
type FrontendDelta struct {
	Files map[string]string
}

func (d FrontendDelta) apply(s *JobState) {
	s.FrontendFiles = maps.Clone(d.Files)
	if s.FrontendFiles == nil {
		s.FrontendFiles = map[string]string{}
	}
	s.Error = ""
}

// BackendDelta is produced by the backend step and replaces its files.
type BackendDelta struct {
	Files map[string]string
}

func (d BackendDelta) apply(s *JobState) {
	s.BackendFiles = maps.Clone(d.Files)
	if s.BackendFiles == nil {
		s.BackendFiles = map[string]string{}
	}
	s.Error = ""
}

// ValidationDelta is produced by the validator step.
type ValidationDelta struct {
	Passed bool
	Report string
	Target RetryTarget
}

func (d ValidationDelta) apply(s *JobState) {
	s.ValidationPassed = d.Passed
	s.ValidationReport = d.Report
	if d.Passed {
		s.RetryTarget = RetryNone
	} else {
		s.RetryTarget = d.Target
	}
	s.Error = ""
}

// FailureDelta records a step failure (schema rejection or exhausted fallback
// chain) so the next routing decision follows the failure path.
type FailureDelta struct {
	Step   StepID
	Error  string
	Target RetryTarget
	// Report replaces the validation report when the validator itself failed.
	Report string
}

func (d FailureDelta) apply(s *JobState) {
	s.Error = d.Error
	if d.Target != RetryNone {
		s.RetryTarget = d.Target
	}
	if d.Step == StepValidator {
		s.ValidationPassed = false
		if d.Report != "" {
			s.ValidationReport = d.Report
		}
	}
}

// RouteDelta is produced by the orchestration state machine for a non-terminal decision.
type RouteDelta struct {
	Next StepID
	// Retry marks a return transition: bumps RetryCount and clears RetryTarget.
	Retry bool
}

func (d RouteDelta) apply(s *JobState) {
	s.CurrentStep = d.Next
	s.Status = StatusRunning
	if d.Retry {
		s.RetryCount++
		s.RetryTarget = RetryNone
	}
}

// TerminateDelta ends the job. It is the only delta that sets Done.
type TerminateDelta struct {
	Status Status
	Error  string
	Reason string
}

func (d TerminateDelta) apply(s *JobState) {
	now := time.Now().UTC()
	s.CurrentStep = StepDone
	s.Done = true
	s.Status = d.Status
	s.Error = d.Error
	s.StopReason = d.Reason
	s.CompletedAt = &now
}

// SanitizeDelta replaces the caller request with its sanitized form, once per job.
type SanitizeDelta struct {
	Request string
}

func (d SanitizeDelta) apply(s *JobState) {
	s.Request = d.Request
	s.Sanitized = true
}

// WarningsDelta appends security warnings.
type WarningsDelta struct {
	Warnings []string
}

func (d WarningsDelta) apply(s *JobState) {
	s.SecurityWarnings = append(s.SecurityWarnings, d.Warnings...)
}

// UsageDelta merges token and cost usage for one step invocation. Produce it
// through budget.Ledger so quotas and totals stay consistent.
type UsageDelta struct {
	Step         StepID
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Backend      string
}

func (d UsageDelta) apply(s *JobState) {
	if s.TokensByStep == nil {
		s.TokensByStep = map[StepID]int{}
	}
	if s.CostByStep == nil {
		s.CostByStep = map[StepID]float64{}
	}
	tokens := d.InputTokens + d.OutputTokens
	if tokens < 0 {
		tokens = 0
	}
	cost := d.CostUSD
	if cost < 0 {
		cost = 0
	}
	s.TokensByStep[d.Step] += tokens
	s.CostByStep[d.Step] += cost
	s.TotalTokens, s.TotalCostUSD = SumUsage(s.TokensByStep, s.CostByStep)
	if d.Backend != "" {
		s.ModelUsed = d.Backend
	}
}

// SumUsage totals the per-step maps in a fixed key order so repeated sums of
// the same maps are bit-identical.
func SumUsage(tokens map[StepID]int, costs map[StepID]float64) (int, float64) {
	total := 0
	for _, n := range tokens {
		total += n
	}
	keys := slices.Sorted(maps.Keys(costs))
	cost := 0.0
	for _, k := range keys {
		cost += costs[k]
	}
	return total, cost
}
