// Package engine drives one job through the orchestration state machine. Each
// iteration verifies the step's prompt, invokes the step through the fallback
// chain, validates and applies its delta, and charges usage to the ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/budget"
	"codeforge/pkg/fallback"
	"codeforge/pkg/guardrails"
	"codeforge/pkg/limiter"
	"codeforge/pkg/logx"
	"codeforge/pkg/orchestrator"
	"codeforge/pkg/proto"
	"codeforge/pkg/steps"
	"codeforge/pkg/telemetry"
	"codeforge/pkg/templates"
	"codeforge/pkg/utils"
)

// DefaultMaxIterations bounds the number of step executions per job,
// orchestrator passes included.
const DefaultMaxIterations = 25

// ErrRunaway ends a job that hit the iteration ceiling.
var ErrRunaway = errors.New("runaway job: iteration limit reached")

// Invoker runs one generation call. *fallback.Chain implements it.
type Invoker interface {
	Invoke(ctx context.Context, req llm.CompletionRequest) (fallback.Result, error)
}

// Observer receives fire-and-forget step and job measurements.
type Observer interface {
	ObserveStep(step string, d time.Duration, err error)
	ObserveWarnings(n int)
	ObserveJob(status string, tokens int, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, time.Duration, error) {}
func (nopObserver) ObserveWarnings(int)                      {}
func (nopObserver) ObserveJob(string, int, time.Duration)    {}

// Deps are the collaborators an Engine needs. Chain, Registry, Renderer and
// Pipeline are required.
type Deps struct {
	Chain         Invoker
	Observer      Observer
	Limiter       *limiter.Limiter
	Ledger        *budget.Ledger
	Registry      *steps.Registry
	Renderer      *templates.Renderer
	Pipeline      *guardrails.Pipeline
	MaxIterations int
}

// Engine runs jobs. One Engine serves many concurrent jobs; all per-job state
// lives in the JobState passed to Run.
type Engine struct {
	chain         Invoker
	observer      Observer
	limiter       *limiter.Limiter
	ledger        *budget.Ledger
	router        *orchestrator.Router
	registry      *steps.Registry
	renderer      *templates.Renderer
	pipeline      *guardrails.Pipeline
	logger        *logx.Logger
	maxIterations int
}

// New validates deps and builds an Engine.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Chain == nil:
		return nil, errors.New("engine: fallback chain is required")
	case d.Registry == nil:
		return nil, errors.New("engine: step registry is required")
	case d.Renderer == nil:
		return nil, errors.New("engine: prompt renderer is required")
	case d.Pipeline == nil:
		return nil, errors.New("engine: guardrail pipeline is required")
	}
	if d.Ledger == nil {
		d.Ledger = budget.NewDefaultLedger()
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	return &Engine{
		chain:         d.Chain,
		observer:      d.Observer,
		limiter:       d.Limiter,
		ledger:        d.Ledger,
		router:        orchestrator.NewRouter(d.Limiter, d.Ledger),
		registry:      d.Registry,
		renderer:      d.Renderer,
		pipeline:      d.Pipeline,
		logger:        logx.NewLogger("engine"),
		maxIterations: d.MaxIterations,
	}, nil
}

// SealPrompts records the digest of every step's system template and seals
// the registry. Call once at startup, before the first Run.
func SealPrompts(renderer *templates.Renderer, prompts *guardrails.PromptRegistry) error {
	for _, id := range proto.AllSteps {
		system, err := renderer.System(id)
		if err != nil {
			return fmt.Errorf("failed to load %s prompt: %w", id, err)
		}
		if err := prompts.Register(id, system); err != nil {
			return err
		}
	}
	prompts.Seal()
	return nil
}

// Run drives s until it is done and returns the final state. Step failures
// never surface as errors; they end up in the state. Run only returns an
// error when ctx is cancelled, together with the last consistent state.
func (e *Engine) Run(ctx context.Context, s proto.JobState) (proto.JobState, error) {
	if s.Done {
		return s, nil
	}
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "job.run",
		trace.WithAttributes(
			attribute.String("job.id", s.JobID),
			attribute.String("caller.id", s.CallerID),
		))
	defer span.End()

	if !s.Sanitized {
		s = proto.Apply(s, proto.SanitizeDelta{Request: e.pipeline.SanitizeRequest(s.Request)})
	}
	if !s.CurrentStep.Valid() || s.CurrentStep == proto.StepDone {
		s.CurrentStep = proto.StepOrchestrator
	}
	s = proto.Apply(s, proto.RouteDelta{Next: s.CurrentStep})
	e.logger.Info("job %s started for caller %s (budget %d tokens, max retries %d)",
		s.JobID, s.CallerID, s.TokenBudget, s.MaxRetries)

	for i := 0; !s.Done; i++ {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return s, err
		}
		if i >= e.maxIterations {
			e.logger.Error("job %s hit the iteration limit (%d) at step %s", s.JobID, e.maxIterations, s.CurrentStep)
			s = proto.Apply(s, proto.TerminateDelta{
				Status: proto.StatusFailed,
				Error:  fmt.Sprintf("%v (%d)", ErrRunaway, e.maxIterations),
				Reason: fmt.Sprintf("stopped at %s after %d iterations", s.CurrentStep, i),
			})
			break
		}
		s = e.step(ctx, s)
		if !budget.Consistent(&s) {
			e.logger.Error("job %s: usage totals diverged from per-step sums", s.JobID)
		}
	}

	elapsed := time.Since(start)
	e.observer.ObserveJob(string(s.Status), s.TotalTokens, elapsed)
	span.SetAttributes(
		attribute.String("job.status", string(s.Status)),
		attribute.Int("job.tokens", s.TotalTokens),
		attribute.Int("job.retries", s.RetryCount),
	)
	if s.Status == proto.StatusFailed {
		span.SetStatus(codes.Error, s.Error)
	}
	e.logger.Info("job %s finished: status=%s tokens=%d cost=$%.4f retries=%d duration=%s",
		s.JobID, s.Status, s.TotalTokens, s.TotalCostUSD, s.RetryCount, elapsed.Round(time.Millisecond))
	return s, nil
}

// step executes the current step once.
func (e *Engine) step(ctx context.Context, s proto.JobState) proto.JobState {
	id := s.CurrentStep
	system, err := e.renderer.System(id)
	if err == nil {
		err = e.pipeline.VerifyPrompt(id, system)
	}
	if err != nil {
		return e.fatal(s, id, err)
	}
	if id == proto.StepOrchestrator {
		return e.route(ctx, s, system)
	}
	return e.work(ctx, s, system)
}

func (e *Engine) route(ctx context.Context, s proto.JobState, system string) proto.JobState {
	start := time.Now()
	if d, stop := e.router.Precheck(&s); stop {
		e.logDecision(&s, d)
		e.observer.ObserveStep(string(proto.StepOrchestrator), time.Since(start), d.Cause)
		return proto.Apply(s, d.Delta)
	}

	raw := ""
	res, err := e.invoke(ctx, &s, proto.StepOrchestrator, system, templates.NewTemplateData(&s))
	s = e.charge(s, proto.StepOrchestrator, res)
	if errors.Is(err, limiter.ErrTokenRateLimit) {
		return e.refuse(s, proto.StepOrchestrator, start, err)
	}
	if err != nil {
		e.logger.Warn("job %s: routing call failed, using default route: %v", s.JobID, err)
	} else {
		raw = res.Response.Content
	}

	d := e.router.Route(&s, raw)
	e.logDecision(&s, d)
	e.observer.ObserveStep(string(proto.StepOrchestrator), time.Since(start), err)
	return proto.Apply(s, d.Delta)
}

func (e *Engine) work(ctx context.Context, s proto.JobState, system string) proto.JobState {
	id := s.CurrentStep
	start := time.Now()
	step, err := e.registry.Lookup(id)
	if err != nil {
		return e.fatal(s, id, err)
	}

	delta, err := e.generate(ctx, &s, step, system)
	if errors.Is(err, limiter.ErrTokenRateLimit) {
		return e.refuse(s, id, start, err)
	}
	if err != nil {
		failure := step.Failure(err)
		if !errors.Is(err, guardrails.ErrSchema) {
			failure.Error = fmt.Sprintf("%s step failed: %v", id, err)
		}
		e.logger.Warn("job %s: %s", s.JobID, failure.Error)
		s = proto.Apply(s, failure)
	} else {
		s = proto.Apply(s, delta)
		if prefix, files, ok := steps.Files(delta); ok {
			if warnings := e.pipeline.ScanFiles(prefix, files); len(warnings) > 0 {
				for _, w := range warnings {
					e.logger.Warn("job %s: %s", s.JobID, w)
				}
				e.observer.ObserveWarnings(len(warnings))
				s = proto.Apply(s, proto.WarningsDelta{Warnings: warnings})
			}
		}
	}
	e.observer.ObserveStep(string(id), time.Since(start), err)
	return proto.Apply(s, proto.RouteDelta{Next: proto.StepOrchestrator})
}

// refuse ends a job whose next call would overrun the caller's token window.
func (e *Engine) refuse(s proto.JobState, id proto.StepID, start time.Time, err error) proto.JobState {
	d := orchestrator.RateLimitDecision(err)
	e.logDecision(&s, d)
	e.observer.ObserveStep(string(id), time.Since(start), err)
	return proto.Apply(s, d.Delta)
}

// generate invokes step and turns its validated output into a delta. Usage is
// charged to *s whether or not the call succeeded.
func (e *Engine) generate(ctx context.Context, s *proto.JobState, step steps.Step, system string) (proto.Delta, error) {
	data, err := step.Input(ctx, s)
	if err != nil {
		return nil, err
	}
	res, err := e.invoke(ctx, s, step.ID(), system, data)
	*s = e.charge(*s, step.ID(), res)
	if err != nil {
		return nil, err
	}
	payload, err := e.pipeline.ValidateOutput(step.ID(), res.Response.Content)
	if err != nil {
		return nil, err
	}
	delta, err := step.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", guardrails.ErrSchema, err)
	}
	return delta, nil
}

func (e *Engine) invoke(ctx context.Context, s *proto.JobState, id proto.StepID, system string, data *templates.TemplateData) (fallback.Result, error) {
	settings, err := e.renderer.Settings(id)
	if err != nil {
		return fallback.Result{}, err
	}
	input, err := e.renderer.Render(id, data)
	if err != nil {
		return fallback.Result{}, err
	}
	if settings.MaxInputTokens > 0 {
		input = utils.TruncateSimple(input, settings.MaxInputTokens)
	}
	if e.limiter != nil {
		est := utils.CountTokensSimple(system) + utils.CountTokensSimple(input)
		if !e.limiter.TokensAvailable(s.CallerID, est) {
			return fallback.Result{}, fmt.Errorf("%w: %s needs ~%d tokens", limiter.ErrTokenRateLimit, id, est)
		}
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(input),
	})
	if settings.MaxTokens > 0 {
		req.MaxTokens = settings.MaxTokens
	}
	req.Temperature = settings.Temperature
	req.JSONMode = settings.JSONMode
	req.Tags = llm.Tags{Step: string(id), JobID: s.JobID, CallerID: s.CallerID}

	spanCtx, span := telemetry.StartStep(ctx, s.JobID, string(id))
	res, err := e.chain.Invoke(spanCtx, req)
	telemetry.EndStep(span, res.Backend, res.Usage.Total(), err)
	return res, err
}

// charge merges one invocation's usage into the ledger and the caller's
// hourly token window.
func (e *Engine) charge(s proto.JobState, id proto.StepID, res fallback.Result) proto.JobState {
	if len(res.Attempts) == 0 {
		return s
	}
	s = e.ledger.Apply(s, id, res.Usage.InputTokens, res.Usage.OutputTokens, res.CostUSD, res.Backend)
	if e.limiter != nil {
		e.limiter.RecordUsage(s.CallerID, res.Usage.Total())
	}
	return s
}

func (e *Engine) fatal(s proto.JobState, id proto.StepID, err error) proto.JobState {
	e.logger.Error("job %s: fatal error at %s: %v", s.JobID, id, err)
	e.observer.ObserveStep(string(id), 0, err)
	return proto.Apply(s, proto.TerminateDelta{
		Status: proto.StatusFailed,
		Error:  err.Error(),
		Reason: fmt.Sprintf("fatal error at %s", id),
	})
}

func (e *Engine) logDecision(s *proto.JobState, d orchestrator.Decision) {
	switch {
	case d.Terminal() && d.Cause != nil:
		e.logger.Warn("job %s: stopping: %v (%s)", s.JobID, d.Cause, d.Reason)
	case d.Terminal():
		e.logger.Info("job %s: done (%s)", s.JobID, d.Reason)
	case d.Retry:
		e.logger.Info("job %s: retry %d/%d, routing back to %s", s.JobID, s.RetryCount+1, s.MaxRetries, d.Next)
	default:
		e.logger.Debug("job %s: next step %s (fallback=%v, %s)", s.JobID, d.Next, d.Fallback, d.Reason)
	}
}
