// Package proto defines JobState, the record threaded through every step of a
// job, and the typed deltas that are the only way to change it.
//
// JobState is also the queue wire format: workers receive it serialized as JSON.
package proto

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// StepID identifies one registered step, or the terminal sentinel.
type StepID string

const (
	StepOrchestrator StepID = "orchestrator"
	StepPlanner      StepID = "planner"
	StepFrontend     StepID = "frontend"
	StepBackend      StepID = "backend"
	StepValidator    StepID = "validator"
	StepDone         StepID = "done"
)

// AllSteps lists every dispatchable step in pipeline order.
//
//nolint:gochecknoglobals // fixed step set
var AllSteps = []StepID{StepOrchestrator, StepPlanner, StepFrontend, StepBackend, StepValidator}

// String implements fmt.Stringer.
func (s StepID) String() string {
	return string(s)
}

// Valid reports whether s is a registered step or the terminal sentinel.
func (s StepID) Valid() bool {
	switch s {
	case StepOrchestrator, StepPlanner, StepFrontend, StepBackend, StepValidator, StepDone:
		return true
	}
	return false
}

// IsWorker reports whether s produces artifacts (anything other than routing or done).
func (s StepID) IsWorker() bool {
	switch s {
	case StepPlanner, StepFrontend, StepBackend, StepValidator:
		return true
	}
	return false
}

// ParseStepID maps a step name, including the legacy executor names, to a StepID.
func ParseStepID(name string) (StepID, error) {
	switch name {
	case "orchestrator":
		return StepOrchestrator, nil
	case "planner":
		return StepPlanner, nil
	case "frontend", "fe_executor", "frontend-exec":
		return StepFrontend, nil
	case "backend", "be_executor", "backend-exec":
		return StepBackend, nil
	case "validator":
		return StepValidator, nil
	case "done":
		return StepDone, nil
	}
	return "", fmt.Errorf("unknown step %q", name)
}

// RetryTarget names the step a failed validation or failed step routes back to.
type RetryTarget string

const (
	RetryNone     RetryTarget = ""
	RetryPlanner  RetryTarget = "planner"
	RetryFrontend RetryTarget = "frontend"
	RetryBackend  RetryTarget = "backend"
)

// Step returns the step the target routes to, or StepDone for RetryNone.
func (t RetryTarget) Step() StepID {
	switch t {
	case RetryPlanner:
		return StepPlanner
	case RetryFrontend:
		return StepFrontend
	case RetryBackend:
		return StepBackend
	}
	return StepDone
}

// ParseRetryTarget accepts step names and legacy executor names; anything
// unrecognised maps to RetryNone.
func ParseRetryTarget(name string) RetryTarget {
	id, err := ParseStepID(name)
	if err != nil {
		return RetryNone
	}
	switch id {
	case StepPlanner:
		return RetryPlanner
	case StepFrontend:
		return RetryFrontend
	case StepBackend:
		return RetryBackend
	}
	return RetryNone
}

// Status is the job lifecycle status.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// IsTerminal reports whether no further transitions can follow.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBudgetExceeded
}

// JobState is the single record threaded through a job.
//
// Invariants maintained by Apply and budget.Ledger:
//   - TotalTokens == sum(TokensByStep), TotalCostUSD == sum(CostByStep)
//   - RetryCount never decreases
//   - once Done is set the state is frozen
//   - CurrentStep is a registered step or StepDone
type JobState struct {
	JobID    string `json:"job_id"`
	CallerID string `json:"caller_id"`
	Request  string `json:"request"`

	Spec          string            `json:"spec"`
	Pages         []string          `json:"pages"`
	Endpoints     []string          `json:"endpoints"`
	DataModels    []string          `json:"data_models"`
	FrontendFiles map[string]string `json:"frontend_files"`
	BackendFiles  map[string]string `json:"backend_files"`

	ValidationPassed bool        `json:"validation_passed"`
	ValidationReport string      `json:"validation_report"`
	RetryTarget      RetryTarget `json:"retry_target"`

	CurrentStep StepID `json:"current_step"`
	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	TotalTokens int    `json:"total_tokens"`
	TokenBudget int    `json:"token_budget"`
	Done        bool   `json:"done"`
	Error       string `json:"error"`
	Status      Status `json:"status"`
	StopReason  string `json:"stop_reason,omitempty"`
	Sanitized   bool   `json:"sanitized"`

	TotalCostUSD float64            `json:"total_cost_usd"`
	CostByStep   map[StepID]float64 `json:"cost_by_step"`
	TokensByStep map[StepID]int     `json:"tokens_by_step"`
	ModelUsed    string             `json:"model_used,omitempty"`

	SecurityWarnings []string `json:"security_warnings"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJobState returns a fresh job positioned at the orchestrator step.
func NewJobState(jobID, callerID, request string, maxRetries, tokenBudget int) JobState {
	return JobState{
		JobID:         jobID,
		CallerID:      callerID,
		Request:       request,
		CurrentStep:   StepOrchestrator,
		MaxRetries:    maxRetries,
		TokenBudget:   tokenBudget,
		Status:        StatusPending,
		FrontendFiles: map[string]string{},
		BackendFiles:  map[string]string{},
		CostByStep:    map[StepID]float64{},
		TokensByStep:  map[StepID]int{},
		CreatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (s JobState) Clone() JobState {
	c := s
	c.Pages = slices.Clone(s.Pages)
	c.Endpoints = slices.Clone(s.Endpoints)
	c.DataModels = slices.Clone(s.DataModels)
	c.SecurityWarnings = slices.Clone(s.SecurityWarnings)
	c.FrontendFiles = maps.Clone(s.FrontendFiles)
	c.BackendFiles = maps.Clone(s.BackendFiles)
	c.CostByStep = maps.Clone(s.CostByStep)
	c.TokensByStep = maps.Clone(s.TokensByStep)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// HasSpec reports whether the planner has produced a spec.
func (s *JobState) HasSpec() bool {
	return s.Spec != ""
}

// Marshal serializes the state for the queue.
func (s *JobState) Marshal() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job %s: %w", s.JobID, err)
	}
	return b, nil
}

// Unmarshal parses a queued job and fills nil maps so callers can write to them.
func Unmarshal(data []byte) (JobState, error) {
	var s JobState
	if err := json.Unmarshal(data, &s); err != nil {
		return JobState{}, fmt.Errorf("failed to unmarshal job state: %w", err)
	}
	if s.JobID == "" {
		return JobState{}, fmt.Errorf("job state has no job_id")
	}
	if s.CurrentStep == "" {
		s.CurrentStep = StepOrchestrator
	}
	if !s.CurrentStep.Valid() {
		return JobState{}, fmt.Errorf("job %s has invalid current_step %q", s.JobID, s.CurrentStep)
	}
	if s.FrontendFiles == nil {
		s.FrontendFiles = map[string]string{}
	}
	if s.BackendFiles == nil {
		s.BackendFiles = map[string]string{}
	}
	if s.CostByStep == nil {
		s.CostByStep = map[StepID]float64{}
	}
	if s.TokensByStep == nil {
		s.TokensByStep = map[StepID]int{}
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	return s, nil
}
