package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codeforge/pkg/proto"
)

// DefaultListLimit applies when List is called with limit <= 0.
const DefaultListLimit = 20

// Create inserts a pending job. An existing id is left untouched.
func (s *Store) Create(ctx context.Context, jobID, callerID, request string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, caller_id, request, status, created_at)
		 VALUES (?, ?, ?, 'pending', ?)
		 ON CONFLICT(id) DO NOTHING`,
		jobID, callerID, request, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", jobID, err)
	}
	return nil
}

// MarkRunning moves a pending job to running.
func (s *Store) MarkRunning(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = ? AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job %s running: %w", jobID, err)
	}
	return nil
}

// Update writes the final state of a job. It reports false without error when
// the record is already terminal, which makes duplicate completions a no-op.
// A job that was never created is inserted.
func (s *Store) Update(ctx context.Context, st proto.JobState) (bool, error) {
	costs, err := json.Marshal(stepKeyed(st.CostByStep))
	if err != nil {
		return false, fmt.Errorf("failed to encode cost breakdown: %w", err)
	}
	tokens, err := json.Marshal(stepKeyed(st.TokensByStep))
	if err != nil {
		return false, fmt.Errorf("failed to encode token breakdown: %w", err)
	}
	warnings, err := json.Marshal(st.SecurityWarnings)
	if err != nil {
		return false, fmt.Errorf("failed to encode warnings: %w", err)
	}

	created := st.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var completed sql.NullString
	if st.CompletedAt != nil {
		completed = sql.NullString{String: formatTime(*st.CompletedAt), Valid: true}
	}
	status := st.Status
	if status == "" {
		status = proto.StatusPending
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, caller_id, request, status, created_at, completed_at, total_tokens,
			cost_usd, cost_by_step, tokens_by_step, retry_count, validation_passed, model_used,
			error, stop_reason, security_warnings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			total_tokens = excluded.total_tokens,
			cost_usd = excluded.cost_usd,
			cost_by_step = excluded.cost_by_step,
			tokens_by_step = excluded.tokens_by_step,
			retry_count = excluded.retry_count,
			validation_passed = excluded.validation_passed,
			model_used = excluded.model_used,
			error = excluded.error,
			stop_reason = excluded.stop_reason,
			security_warnings = excluded.security_warnings
		 WHERE jobs.status NOT IN ('completed', 'failed', 'budget_exceeded')`,
		st.JobID, st.CallerID, st.Request, string(status), formatTime(created), completed,
		st.TotalTokens, st.TotalCostUSD, string(costs), string(tokens), st.RetryCount,
		st.ValidationPassed, st.ModelUsed, st.Error, st.StopReason, string(warnings))
	if err != nil {
		return false, fmt.Errorf("failed to update job %s: %w", st.JobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected for job %s: %w", st.JobID, err)
	}
	if n == 0 {
		s.logger.Info("job %s already finalized, duplicate completion ignored", st.JobID)
	}
	return n > 0, nil
}

const selectColumns = `id, caller_id, request, status, created_at, completed_at, total_tokens,
	cost_usd, cost_by_step, tokens_by_step, retry_count, validation_passed, model_used, error,
	stop_reason, security_warnings`

// Get returns one job or ErrNotFound.
func (s *Store) Get(ctx context.Context, jobID string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, err
}

// List returns the most recent jobs first, for one caller or for all when
// callerID is empty.
func (s *Store) List(ctx context.Context, callerID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + selectColumns + ` FROM jobs`
	args := []any{}
	if callerID != "" {
		query += ` WHERE caller_id = ?`
		args = append(args, callerID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var (
		job                        Job
		status, created            string
		completed, costs, tokens   sql.NullString
		model, errText, stopReason sql.NullString
		warnings                   sql.NullString
	)
	err := row.Scan(&job.ID, &job.CallerID, &job.Request, &status, &created, &completed,
		&job.TotalTokens, &job.CostUSD, &costs, &tokens, &job.RetryCount, &job.ValidationPassed,
		&model, &errText, &stopReason, &warnings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, err
		}
		return Job{}, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = proto.Status(status)
	job.ModelUsed = model.String
	job.Error = errText.String
	job.StopReason = stopReason.String
	if job.CreatedAt, err = parseTime(created); err != nil {
		return Job{}, fmt.Errorf("job %s has bad created_at: %w", job.ID, err)
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return Job{}, fmt.Errorf("job %s has bad completed_at: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	if err := decodeJSON(costs, &job.CostByStep); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err := decodeJSON(tokens, &job.TokensByStep); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if err := decodeJSON(warnings, &job.SecurityWarnings); err != nil {
		return Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return job, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}

func stepKeyed[V any](m map[proto.StepID]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}
