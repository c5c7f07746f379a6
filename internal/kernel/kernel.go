// Package kernel builds the shared infrastructure behind every codeforge
// entry point: persistence, guardrails, the backend chain, the engine and
// the job queue. Commands construct one Kernel and close it on exit.
package kernel

import (
	"context"
	"fmt"
	"time"

	"codeforge/pkg/agent"
	"codeforge/pkg/agent/llm"
	llmmetrics "codeforge/pkg/agent/middleware/metrics"
	"codeforge/pkg/artifacts"
	"codeforge/pkg/budget"
	"codeforge/pkg/config"
	"codeforge/pkg/engine"
	"codeforge/pkg/eventlog"
	"codeforge/pkg/fallback"
	"codeforge/pkg/guardrails"
	"codeforge/pkg/knowledge"
	"codeforge/pkg/limiter"
	"codeforge/pkg/logx"
	"codeforge/pkg/metrics"
	"codeforge/pkg/persistence"
	"codeforge/pkg/proto"
	"codeforge/pkg/queue"
	"codeforge/pkg/steps"
	"codeforge/pkg/telemetry"
	"codeforge/pkg/templates"
	"codeforge/pkg/worker"
)

const shutdownTimeout = 5 * time.Second

// Kernel owns the long-lived components. Fields are exported for commands;
// they must not be replaced after New returns.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Store     *persistence.Store
	Knowledge *knowledge.Store
	Renderer  *templates.Renderer
	Prompts   *guardrails.PromptRegistry
	Sandbox   *guardrails.Sandbox
	Review    *guardrails.ReviewGate
	Pipeline  *guardrails.Pipeline

	LLMFactory *agent.LLMClientFactory
	Chain      *fallback.Chain
	Limiter    *limiter.Limiter
	Ledger     *budget.Ledger
	Metrics    *metrics.Sink // nil when metrics are disabled
	Engine     *engine.Engine

	Queue     queue.Queue
	Writer    *artifacts.Writer
	Journal   *eventlog.Writer // nil unless storage.event_log_dir is set
	Processor *worker.Processor

	shutdownTracing telemetry.Shutdown
}

type options struct {
	confirmer guardrails.Confirmer
	raw       map[string]llm.LLMClient
	queue     queue.Queue
}

// Option customizes New.
type Option func(*options)

// WithConfirmer replaces the terminal prompt used by the review gate.
func WithConfirmer(c guardrails.Confirmer) Option {
	return func(o *options) { o.confirmer = c }
}

// WithRawClient installs client as the provider for model, below the
// standard middleware.
func WithRawClient(model string, client llm.LLMClient) Option {
	return func(o *options) {
		if o.raw == nil {
			o.raw = map[string]llm.LLMClient{}
		}
		o.raw[model] = client
	}
}

// WithQueue uses q instead of the configured backend.
func WithQueue(q queue.Queue) Option {
	return func(o *options) { o.queue = q }
}

// New builds every component from cfg. On error everything opened so far is
// closed again.
func New(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	if err := k.initialize(&o); err != nil {
		_ = k.Close()
		return nil, err
	}
	k.Logger.Info("kernel ready: chain=%v queue=%s", k.Chain.Backends(), cfg.Queue.Backend)
	return k, nil
}

func (k *Kernel) initialize(o *options) error {
	cfg := k.Config
	var err error

	if k.shutdownTracing, err = telemetry.SetupProvider(k.ctx, cfg.Telemetry); err != nil {
		return err
	}

	if k.Store, err = persistence.Open(cfg.Storage.DBPath); err != nil {
		return err
	}
	if k.Knowledge, err = knowledge.NewStore(k.ctx, k.Store.DB()); err != nil {
		return err
	}
	if cfg.Knowledge.Seed {
		if err := k.Knowledge.Seed(k.ctx); err != nil {
			return err
		}
	}

	if err := k.initGuardrails(o); err != nil {
		return err
	}
	if err := k.initBackends(o); err != nil {
		return err
	}

	k.Limiter = limiter.NewLimiter(cfg.RateLimit)
	k.Ledger = budget.NewLedger(cfg.Budget.StepQuotas)

	deps := engine.Deps{
		Chain:         k.Chain,
		Limiter:       k.Limiter,
		Ledger:        k.Ledger,
		Registry:      steps.NewRegistry(k.Knowledge, cfg.Knowledge.TopK),
		Renderer:      k.Renderer,
		Pipeline:      k.Pipeline,
		MaxIterations: cfg.Budget.MaxIterations,
	}
	if k.Metrics != nil {
		deps.Observer = k.Metrics
	}
	if k.Engine, err = engine.New(deps); err != nil {
		return err
	}

	if err := k.initQueue(o); err != nil {
		return err
	}
	if err := k.initWriter(); err != nil {
		return err
	}
	k.Processor = worker.NewProcessor(k.Engine, k.Store, k.Writer)
	if dir := cfg.Storage.EventLogDir; dir != "" {
		if k.Journal, err = eventlog.NewWriter(dir); err != nil {
			return err
		}
		k.Processor.SetJournal(k.Journal)
	}
	return nil
}

func (k *Kernel) initGuardrails(o *options) error {
	cfg := k.Config.Guardrails
	var err error

	if k.Renderer, err = templates.NewRenderer(cfg.PromptsDir); err != nil {
		return err
	}
	k.Prompts = guardrails.NewPromptRegistry()
	if err := engine.SealPrompts(k.Renderer, k.Prompts); err != nil {
		return err
	}

	if k.Sandbox, err = guardrails.NewSandbox(cfg.SandboxRoot, cfg.AllowedTools, cfg.DeniedPatterns, cfg.PathAllowlist); err != nil {
		return err
	}
	confirmer := o.confirmer
	if confirmer == nil && cfg.ReviewDir != "" {
		if confirmer, err = guardrails.NewFileConfirmer(cfg.ReviewDir); err != nil {
			return err
		}
	}
	k.Review = guardrails.NewReviewGate(cfg.RequireHumanReview, confirmer)

	k.Pipeline, err = guardrails.NewPipeline(cfg, k.Prompts, k.Sandbox, k.Review)
	return err
}

func (k *Kernel) initBackends(o *options) error {
	cfg := k.Config
	if cfg.Metrics.Enabled {
		k.Metrics = metrics.NewSink(cfg.Metrics.Namespace)
	}

	var recorder llmmetrics.Recorder
	if k.Metrics != nil {
		recorder = k.Metrics
	}
	k.LLMFactory = agent.NewLLMClientFactory(cfg.Resilience, recorder, logx.NewLogger("llm"))
	for model, client := range o.raw {
		k.LLMFactory.RegisterRaw(model, client)
	}

	backends := make([]fallback.Backend, 0, len(cfg.Models.Chain))
	for _, name := range cfg.Models.Chain {
		client, err := k.LLMFactory.CreateClient(name)
		if err != nil {
			return fmt.Errorf("backend %s: %w", name, err)
		}
		backends = append(backends, fallback.Backend{Client: client, Name: name})
	}

	chainOpts := []fallback.Option{
		fallback.WithBackoff(cfg.Resilience.Backoff),
		fallback.WithMaxAttempts(cfg.Models.MaxAttempts),
	}
	if cfg.Models.Override != "" {
		client, err := k.LLMFactory.CreateClient(cfg.Models.Override)
		if err != nil {
			return fmt.Errorf("override backend %s: %w", cfg.Models.Override, err)
		}
		k.Logger.Warn("model override %s bypasses the fallback chain", cfg.Models.Override)
		chainOpts = append(chainOpts, fallback.WithOverride(fallback.Backend{Client: client, Name: cfg.Models.Override}))
	}
	k.Chain = fallback.New(backends, chainOpts...)
	return nil
}

func (k *Kernel) initQueue(o *options) error {
	if o.queue != nil {
		k.Queue = o.queue
		return nil
	}
	switch k.Config.Queue.Backend {
	case "sqs":
		q, err := queue.NewSQSQueue(k.ctx, k.Config.Queue)
		if err != nil {
			return err
		}
		k.Queue = q
	default:
		k.Queue = queue.NewLocalQueue(k.Config.Queue.VisibilityTimeout)
	}
	return nil
}

func (k *Kernel) initWriter() error {
	var mirror artifacts.Mirror
	m, err := artifacts.NewS3Mirror(k.ctx, k.Config.Storage)
	if err != nil {
		return err
	}
	if m != nil {
		mirror = m
	}
	k.Writer = artifacts.NewWriter(k.Sandbox, k.Review, mirror)
	return nil
}

// Context is cancelled by Close.
func (k *Kernel) Context() context.Context {
	return k.ctx
}

// NewJob builds a job with the configured budget.
func (k *Kernel) NewJob(callerID, request string) proto.JobState {
	return worker.NewJob(k.Config.Budget, callerID, request)
}

// Submit records and enqueues a new job.
func (k *Kernel) Submit(ctx context.Context, callerID, request string) (proto.JobState, error) {
	s := k.NewJob(callerID, request)
	if err := worker.Submit(ctx, k.Queue, k.Store, s); err != nil {
		return proto.JobState{}, err
	}
	k.Logger.Info("job %s submitted by %s", s.JobID, callerID)
	return s, nil
}

// RunJob runs a new job inline, bypassing the queue.
func (k *Kernel) RunJob(ctx context.Context, callerID, request string) (worker.Result, error) {
	s := k.NewJob(callerID, request)
	if err := k.Store.Create(ctx, s.JobID, callerID, request); err != nil {
		return worker.Result{}, err
	}
	return k.Processor.Process(ctx, s)
}

// NewPool builds a worker pool over the kernel queue using the queue settings.
func (k *Kernel) NewPool() *worker.Pool {
	qc := k.Config.Queue
	opts := worker.Options{
		Concurrency:    qc.Concurrency,
		PollsPerSecond: qc.PollsPerSecond,
		Wait:           time.Duration(qc.WaitSeconds) * time.Second,
	}
	if k.Metrics != nil {
		opts.Gauges = k.Metrics
	}
	return worker.NewPool(k.Queue, k.Processor, opts)
}

// WatchPrompts reloads edited templates until the kernel closes. It is a
// no-op unless guardrails.watch_prompts is set with a prompts directory.
// Reloaded templates no longer match their sealed digests, so the affected
// step fails its integrity check instead of running the edited prompt.
func (k *Kernel) WatchPrompts() {
	cfg := k.Config.Guardrails
	if !cfg.WatchPrompts || cfg.PromptsDir == "" {
		return
	}
	go func() {
		err := guardrails.WatchPrompts(k.ctx, cfg.PromptsDir, func(path string) {
			step, found, err := k.Renderer.Reload(path)
			switch {
			case err != nil:
				k.Logger.Error("reload of %s failed: %v", path, err)
			case found:
				k.Logger.Warn("prompt for %s changed on disk; step disabled until restart", step)
			}
		})
		if err != nil {
			k.Logger.Error("prompt watcher stopped: %v", err)
		}
	}()
}

// Close cancels the kernel context and releases resources. It is safe to
// call on a partially built kernel.
func (k *Kernel) Close() error {
	k.cancel()
	var firstErr error
	if k.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := k.shutdownTracing(ctx); err != nil {
			firstErr = err
		}
		cancel()
	}
	if k.Journal != nil {
		if err := k.Journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logx.Sync()
	return firstErr
}
