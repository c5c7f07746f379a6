// Package orchestrator implements the routing state machine. Every pass
// through the orchestrator step applies the stop rules in a fixed precedence
// order before any content-driven routing is considered:
//
//  1. rate limit           -> done, failed
//  2. retries exhausted    -> done, failed
//  3. token budget reached -> done, budget_exceeded (no error)
//  4. validation passed    -> done, completed
//  5. routing decision from the model, else DefaultRoute
//  6. chosen step over its quota -> done, budget_exceeded
//  7. return transition (retry target set) -> bump retry_count, clear target
//
// Rules 1-4 need no generation call and live in Precheck; rules 5-7 consume
// the routing step's raw answer in Route.
package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"codeforge/pkg/budget"
	"codeforge/pkg/guardrails"
	"codeforge/pkg/limiter"
	"codeforge/pkg/logx"
	"codeforge/pkg/proto"
)

var (
	// ErrRetriesExhausted ends a job whose retry_count reached max_retries.
	ErrRetriesExhausted = errors.New("max retries exceeded")
	// ErrBudgetExhausted ends a job whose total tokens reached the budget.
	ErrBudgetExhausted = errors.New("token budget exceeded")
	// ErrStepQuota ends a job whose next step already spent its quota.
	ErrStepQuota = errors.New("step quota exceeded")
	// ErrUnparseable marks a routing answer that could not be used.
	ErrUnparseable = errors.New("unparseable routing decision")
	// ErrEndedEarly ends a job the routing step stopped before validation passed.
	ErrEndedEarly = errors.New("routing ended the job before validation passed")
)

// Decision is the outcome of one orchestrator pass.
type Decision struct {
	// Cause is the stop rule that fired, nil for ordinary routing and success.
	Cause  error
	Delta  proto.Delta
	Next   proto.StepID
	Reason string
	// Fallback is true when DefaultRoute replaced the model's answer.
	Fallback bool
	Retry    bool
}

// Terminal reports whether the decision ends the job.
func (d Decision) Terminal() bool {
	return d.Next == proto.StepDone
}

// Router evaluates the decision policy. It is safe for concurrent use across
// jobs; the limiter is the only shared state.
type Router struct {
	limiter *limiter.Limiter
	ledger  *budget.Ledger
	logger  *logx.Logger
}

// NewRouter builds a router. A nil limiter disables rule 1.
func NewRouter(l *limiter.Limiter, ledger *budget.Ledger) *Router {
	if ledger == nil {
		ledger = budget.NewDefaultLedger()
	}
	return &Router{limiter: l, ledger: ledger, logger: logx.NewLogger("orchestrator")}
}

// RateLimitDecision ends a job refused by the caller's request or token limit.
func RateLimitDecision(err error) Decision {
	return terminate(proto.StatusFailed, err, "Rate limit exceeded", err.Error())
}

func terminate(status proto.Status, cause error, errText, reason string) Decision {
	return Decision{
		Cause:  cause,
		Next:   proto.StepDone,
		Reason: reason,
		Delta:  proto.TerminateDelta{Status: status, Error: errText, Reason: reason},
	}
}

// Precheck applies rules 1-4. It returns false when a routing call is needed.
// Rule 1 admits and records one request against the caller's window.
func (r *Router) Precheck(s *proto.JobState) (Decision, bool) {
	if r.limiter != nil {
		if err := r.limiter.Check(s.CallerID); err != nil {
			return RateLimitDecision(err), true
		}
	}
	if r.ledger.RetriesExhausted(s) {
		return terminate(proto.StatusFailed, ErrRetriesExhausted, "Max retries exceeded",
			fmt.Sprintf("retry_count %d reached max_retries %d", s.RetryCount, s.MaxRetries)), true
	}
	if r.ledger.BudgetExhausted(s) {
		return terminate(proto.StatusBudgetExceeded, ErrBudgetExhausted, "",
			fmt.Sprintf("Token budget exceeded: %d of %d tokens used", s.TotalTokens, s.TokenBudget)), true
	}
	if s.ValidationPassed {
		return terminate(proto.StatusCompleted, nil, "", "validation passed"), true
	}
	return Decision{}, false
}

// Route applies rules 5-7 to the routing step's raw answer. An empty raw
// answer (for example after the fallback chain was exhausted) uses DefaultRoute.
func (r *Router) Route(s *proto.JobState, raw string) Decision {
	next, reason, err := ParseDecision(raw)
	fallback := false
	if err != nil {
		next = DefaultRoute(s)
		reason = "default route"
		fallback = true
		if strings.TrimSpace(raw) != "" {
			r.logger.Debug("job %s: %v, using default route %s", s.JobID, err, next)
		}
	}

	if next == proto.StepDone {
		if s.ValidationPassed {
			return terminate(proto.StatusCompleted, nil, "", reason)
		}
		return terminate(proto.StatusFailed, ErrEndedEarly, ErrEndedEarly.Error(), reason)
	}

	if r.ledger.StepQuotaExceeded(s, next) {
		q, _ := r.ledger.Quota(next)
		return terminate(proto.StatusBudgetExceeded, ErrStepQuota, "",
			fmt.Sprintf("Step quota exceeded: %s used %d of %d tokens", next, s.TokensByStep[next], q))
	}

	retry := s.RetryTarget != proto.RetryNone &&
		(next == proto.StepPlanner || next == proto.StepFrontend || next == proto.StepBackend)
	return Decision{
		Next:     next,
		Reason:   reason,
		Fallback: fallback,
		Retry:    retry,
		Delta:    proto.RouteDelta{Next: next, Retry: retry},
	}
}

// DefaultRoute is the deterministic ordering used when the routing answer is
// unusable: a pending retry target first, then the first missing artifact.
func DefaultRoute(s *proto.JobState) proto.StepID {
	if s.RetryTarget != proto.RetryNone {
		return s.RetryTarget.Step()
	}
	switch {
	case !s.HasSpec():
		return proto.StepPlanner
	case len(s.FrontendFiles) == 0:
		return proto.StepFrontend
	case len(s.BackendFiles) == 0:
		return proto.StepBackend
	case !s.ValidationPassed:
		return proto.StepValidator
	}
	return proto.StepDone
}

type routingAnswer struct {
	NextAgent string `json:"next_agent"`
	Reason    string `json:"reason"`
}

// ParseDecision reads the {"next_agent","reason"} envelope. Legacy step names
// are accepted; the orchestrator itself is not a valid target.
func ParseDecision(raw string) (proto.StepID, string, error) {
	payload, err := guardrails.ExtractJSON(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	var ans routingAnswer
	if err := json.Unmarshal(payload, &ans); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	name := strings.ToLower(strings.TrimSpace(ans.NextAgent))
	if name == "" {
		return "", "", fmt.Errorf("%w: next_agent is empty", ErrUnparseable)
	}
	id, err := proto.ParseStepID(name)
	if err != nil || id == proto.StepOrchestrator {
		return "", "", fmt.Errorf("%w: unknown next_agent %q", ErrUnparseable, ans.NextAgent)
	}
	return id, ans.Reason, nil
}
