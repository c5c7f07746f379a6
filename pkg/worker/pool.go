package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"codeforge/pkg/logx"
	"codeforge/pkg/proto"
	"codeforge/pkg/queue"
)

const (
	DefaultConcurrency    = 2
	DefaultPollsPerSecond = 5
	DefaultWait           = 5 * time.Second
	DefaultDepthInterval  = 15 * time.Second
)

// Gauges receives pool-level measurements. metrics.Sink implements it.
type Gauges interface {
	SetQueueDepth(n int)
	JobStarted()
	JobDone()
}

type nopGauges struct{}

func (nopGauges) SetQueueDepth(int) {}
func (nopGauges) JobStarted()       {}
func (nopGauges) JobDone()          {}

// Options tune the pool.
type Options struct {
	Concurrency    int
	PollsPerSecond float64       // shared across all workers
	Wait           time.Duration // long-poll duration per Receive
	DepthInterval  time.Duration
	Gauges         Gauges
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PollsPerSecond <= 0 {
		o.PollsPerSecond = DefaultPollsPerSecond
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.DepthInterval <= 0 {
		o.DepthInterval = DefaultDepthInterval
	}
	if o.Gauges == nil {
		o.Gauges = nopGauges{}
	}
}

// Pool runs Concurrency workers against one queue.
//
// Stop is cooperative: each worker checks the stop flag once per poll and
// in-flight jobs run to completion. Cancelling the context passed to Run
// aborts in-flight jobs as well, leaving their messages unacknowledged.
type Pool struct {
	queue  queue.Queue
	proc   *Processor
	opts   Options
	pace   *rate.Limiter
	logger *logx.Logger

	stopping  atomic.Bool
	processed atomic.Int64

	mu         sync.Mutex
	cancelPoll context.CancelFunc
}

// NewPool creates a pool. Nothing runs until Run is called.
func NewPool(q queue.Queue, proc *Processor, opts Options) *Pool {
	opts.setDefaults()
	return &Pool{
		queue:  q,
		proc:   proc,
		opts:   opts,
		pace:   rate.NewLimiter(rate.Limit(opts.PollsPerSecond), 1),
		logger: logx.NewLogger("worker-pool"),
	}
}

// Run blocks until Stop is called or ctx is done and every worker has
// returned.
func (p *Pool) Run(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancelPoll = cancel
	p.mu.Unlock()
	if p.stopping.Load() {
		return nil
	}

	p.logger.Info("starting %d workers at %.1f polls/s", p.opts.Concurrency, p.opts.PollsPerSecond)
	var g errgroup.Group
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error {
			return p.loop(ctx, pollCtx, i)
		})
	}
	g.Go(func() error {
		p.sampleDepth(pollCtx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("workers stopped after %d jobs", p.processed.Load())
	return err
}

// Stop asks every worker to exit after its current job.
func (p *Pool) Stop() {
	p.stopping.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelPoll != nil {
		p.cancelPoll()
	}
}

// Processed counts acknowledged messages.
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

func (p *Pool) loop(ctx, pollCtx context.Context, id int) error {
	for {
		if p.stopping.Load() || pollCtx.Err() != nil {
			return nil
		}
		if err := p.pace.Wait(pollCtx); err != nil {
			return nil
		}
		m, err := p.queue.Receive(pollCtx, p.opts.Wait)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil
			}
			p.logger.Warn("worker %d: receive failed: %v", id, err)
			continue
		}
		if m == nil {
			continue
		}
		p.handle(ctx, m)
	}
}

// handle processes one delivery and acknowledges it only once the outcome
// is persisted.
func (p *Pool) handle(ctx context.Context, m *queue.Message) {
	s, err := proto.Unmarshal(m.Body)
	if err != nil {
		// a body that cannot be decoded will never succeed
		p.logger.Error("dropping malformed message (delivery %d): %v", m.Deliveries, err)
		p.ack(ctx, m)
		return
	}

	p.opts.Gauges.JobStarted()
	defer p.opts.Gauges.JobDone()

	if _, err := p.safeProcess(ctx, s); err != nil {
		p.logger.Error("job %s left unacknowledged (delivery %d): %v", s.JobID, m.Deliveries, err)
		return
	}
	p.ack(ctx, m)
	p.processed.Add(1)
}

func (p *Pool) safeProcess(ctx context.Context, s proto.JobState) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic processing job %s: %v\n%s", s.JobID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.proc.Process(ctx, s)
}

func (p *Pool) ack(ctx context.Context, m *queue.Message) {
	if err := p.queue.Ack(ctx, m.Receipt); err != nil {
		p.logger.Warn("ack failed, message may be redelivered: %v", err)
	}
}

func (p *Pool) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(p.opts.DepthInterval)
	defer ticker.Stop()
	for {
		if n, err := p.queue.Depth(ctx); err == nil {
			p.opts.Gauges.SetQueueDepth(n)
		} else if ctx.Err() == nil {
			p.logger.Debug("queue depth unavailable: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
