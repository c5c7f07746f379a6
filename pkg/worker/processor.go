// Package worker pulls queued jobs, runs them through the engine, writes
// their artifacts and persists the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"codeforge/pkg/artifacts"
	"codeforge/pkg/config"
	"codeforge/pkg/eventlog"
	"codeforge/pkg/logx"
	"codeforge/pkg/persistence"
	"codeforge/pkg/proto"
	"codeforge/pkg/queue"
)

// Runner advances a job to a terminal state.
type Runner interface {
	Run(ctx context.Context, s proto.JobState) (proto.JobState, error)
}

// Repository is the slice of persistence.Store the worker needs.
type Repository interface {
	Create(ctx context.Context, jobID, callerID, request string) error
	MarkRunning(ctx context.Context, jobID string) error
	Update(ctx context.Context, st proto.JobState) (bool, error)
	Get(ctx context.Context, jobID string) (persistence.Job, error)
}

// ArtifactWriter lays out a finished job's files.
type ArtifactWriter interface {
	Write(ctx context.Context, s *proto.JobState) (artifacts.Report, error)
}

// Journal records the outcome of each persisted job.
type Journal interface {
	Write(ev eventlog.Event) error
}

// Result is what Process did with one job.
type Result struct {
	State  proto.JobState
	Report artifacts.Report
	// Skipped is set when the job was already terminal in the repository.
	Skipped bool
	// Duplicate is set when another worker persisted the job first.
	Duplicate bool
	// Withheld is set when the review gate kept artifacts off disk.
	Withheld bool
}

// Processor runs single jobs. It is safe for concurrent use when its
// dependencies are.
type Processor struct {
	runner  Runner
	repo    Repository
	writer  ArtifactWriter
	journal Journal
	logger  *logx.Logger
}

// NewProcessor creates a processor. writer may be nil to skip artifacts.
func NewProcessor(runner Runner, repo Repository, writer ArtifactWriter) *Processor {
	return &Processor{
		runner: runner,
		repo:   repo,
		writer: writer,
		logger: logx.NewLogger("worker"),
	}
}

// SetJournal enables the outcome journal.
func (p *Processor) SetJournal(j Journal) {
	p.journal = j
}

// Process runs s to completion, writes its artifacts and persists the final
// state. An error means the job's outcome was not durably recorded and the
// delivery must not be acknowledged.
func (p *Processor) Process(ctx context.Context, s proto.JobState) (Result, error) {
	rec, err := p.repo.Get(ctx, s.JobID)
	switch {
	case err == nil && rec.Status.IsTerminal():
		p.logger.Info("job %s already %s, skipping redelivery", s.JobID, rec.Status)
		return Result{State: s, Skipped: true}, nil
	case err != nil && !errors.Is(err, persistence.ErrNotFound):
		return Result{}, fmt.Errorf("failed to load job %s: %w", s.JobID, err)
	}

	if err := p.repo.Create(ctx, s.JobID, s.CallerID, s.Request); err != nil {
		return Result{}, err
	}
	if err := p.repo.MarkRunning(ctx, s.JobID); err != nil {
		return Result{}, err
	}

	final, err := p.runner.Run(ctx, s)
	if err != nil {
		return Result{}, fmt.Errorf("job %s interrupted: %w", s.JobID, err)
	}
	res := Result{State: final}

	if p.writer != nil && final.HasSpec() {
		rep, err := p.writer.Write(ctx, &final)
		switch {
		case errors.Is(err, artifacts.ErrReviewDenied):
			p.logger.Warn("job %s: artifacts withheld by review", final.JobID)
			res.Withheld = true
		case err != nil:
			return Result{}, fmt.Errorf("failed to write artifacts for job %s: %w", final.JobID, err)
		default:
			res.Report = rep
			if len(rep.Violations) > 0 {
				p.logger.Warn("job %s: %d artifact paths rejected", final.JobID, len(rep.Violations))
				final = proto.Apply(final, proto.WarningsDelta{Warnings: violationWarnings(rep.Violations)})
				res.State = final
			}
		}
	}

	persisted, err := p.repo.Update(ctx, final)
	if err != nil {
		return Result{}, err
	}
	if !persisted {
		p.logger.Info("job %s completed twice, keeping the first result", final.JobID)
		res.Duplicate = true
	} else if p.journal != nil {
		ev := eventlog.FromState(&final)
		ev.FilesWritten = len(res.Report.Written)
		ev.Withheld = res.Withheld
		if err := p.journal.Write(ev); err != nil {
			p.logger.Warn("job %s: event journal write failed: %v", final.JobID, err)
		}
	}

	p.logger.Info("job %s %s after %d tokens ($%.4f)", final.JobID, final.Status, final.TotalTokens, final.TotalCostUSD)
	return res, nil
}

func violationWarnings(vs []artifacts.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, fmt.Sprintf("[artifacts] %s not written: %v", v.Path, v.Err))
	}
	return out
}

// NewJob builds a fresh job state from the budget settings.
func NewJob(cfg config.BudgetConfig, callerID, request string) proto.JobState {
	return proto.NewJobState(uuid.NewString(), callerID, request, cfg.MaxRetries, cfg.TokenBudget)
}

// Creator records a pending job.
type Creator interface {
	Create(ctx context.Context, jobID, callerID, request string) error
}

// Submit records s as pending and enqueues it.
func Submit(ctx context.Context, q queue.Queue, repo Creator, s proto.JobState) error {
	if repo != nil {
		if err := repo.Create(ctx, s.JobID, s.CallerID, s.Request); err != nil {
			return err
		}
	}
	body, err := s.Marshal()
	if err != nil {
		return err
	}
	if err := q.Send(ctx, body); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", s.JobID, err)
	}
	return nil
}
