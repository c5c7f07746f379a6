// Package budget tracks cumulative token, cost and retry counters for a job
// and answers the enforcement queries the orchestrator consults before routing.
//
// A Ledger is pure: it holds only the fixed per-step quotas and never mutates
// the state it is given.
package budget

import (
	"codeforge/pkg/config"
	"codeforge/pkg/proto"
)

// Ledger merges usage into job state and enforces ceilings.
type Ledger struct {
	quotas map[proto.StepID]int
}

// NewLedger builds a ledger from per-step quotas keyed by step name.
// Steps without a quota are unbounded at the step level.
func NewLedger(quotas map[string]int) *Ledger {
	l := &Ledger{quotas: make(map[proto.StepID]int, len(quotas))}
	for name, q := range quotas {
		id, err := proto.ParseStepID(name)
		if err != nil {
			continue
		}
		l.quotas[id] = q
	}
	return l
}

// NewDefaultLedger uses the built-in quotas.
func NewDefaultLedger() *Ledger {
	return NewLedger(config.DefaultStepQuotas())
}

// Apply merges one invocation's usage into the state.
func (l *Ledger) Apply(s proto.JobState, step proto.StepID, inputTokens, outputTokens int, costUSD float64, backend string) proto.JobState {
	return proto.Apply(s, proto.UsageDelta{
		Step:         step,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Backend:      backend,
	})
}

// Quota returns the ceiling for step and whether one is configured.
func (l *Ledger) Quota(step proto.StepID) (int, bool) {
	q, ok := l.quotas[step]
	return q, ok
}

// RetriesExhausted reports retry_count >= max_retries.
func (l *Ledger) RetriesExhausted(s *proto.JobState) bool {
	return s.RetryCount >= s.MaxRetries
}

// BudgetExhausted reports total_tokens >= token_budget.
func (l *Ledger) BudgetExhausted(s *proto.JobState) bool {
	return s.TotalTokens >= s.TokenBudget
}

// StepQuotaExceeded reports tokens_by_step[step] >= quota[step].
func (l *Ledger) StepQuotaExceeded(s *proto.JobState, step proto.StepID) bool {
	q, ok := l.quotas[step]
	if !ok {
		return false
	}
	return s.TokensByStep[step] >= q
}

// Remaining returns tokens left in the job budget, never negative.
func (l *Ledger) Remaining(s *proto.JobState) int {
	if r := s.TokenBudget - s.TotalTokens; r > 0 {
		return r
	}
	return 0
}

// Consistent reports whether the totals equal the sums of the per-step maps.
func Consistent(s *proto.JobState) bool {
	tokens, cost := proto.SumUsage(s.TokensByStep, s.CostByStep)
	return tokens == s.TotalTokens && cost == s.TotalCostUSD
}
