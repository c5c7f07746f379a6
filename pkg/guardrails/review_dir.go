package guardrails

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fsnotify/fsnotify"

	"codeforge/pkg/logx"
)

// Review directory file suffixes.
const (
	PendingExt = ".pending"
	ApproveExt = ".approve"
	DenyExt    = ".deny"
)

// FileConfirmer asks for review through a directory, for workers without a
// terminal. Confirm writes <job>.pending listing the warnings and waits for
// an operator to drop <job>.approve or <job>.deny next to it (see Decide).
type FileConfirmer struct {
	dir    string
	logger *logx.Logger
}

// NewFileConfirmer creates dir if needed.
func NewFileConfirmer(dir string) (*FileConfirmer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create review dir: %w", err)
	}
	return &FileConfirmer{dir: dir, logger: logx.NewLogger("review")}, nil
}

func reviewFile(dir, jobID, ext string) (string, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return "", fmt.Errorf("%w: invalid job id %q", ErrPathViolation, jobID)
	}
	return filepath.Join(dir, jobID+ext), nil
}

// Confirm implements Confirmer. A decision file already present when Confirm
// starts is honoured.
func (c *FileConfirmer) Confirm(ctx context.Context, jobID string, warnings []string) (bool, error) {
	pending, err := reviewFile(c.dir, jobID, PendingExt)
	if err != nil {
		return false, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("failed to create review watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.dir); err != nil {
		return false, fmt.Errorf("failed to watch review dir %q: %w", c.dir, err)
	}

	if err := os.WriteFile(pending, []byte(strings.Join(warnings, "\n")+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("failed to write review request: %w", err)
	}
	defer os.Remove(pending)
	c.logger.Warn("job %s awaits review (%d warning(s)): run `codeforge jobs approve %s` or `jobs deny`",
		jobID, len(warnings), jobID)

	for {
		if ok, decided := c.decision(jobID); decided {
			c.logger.Info("job %s review: approved=%t", jobID, ok)
			return ok, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case _, ok := <-watcher.Events:
			if !ok {
				return false, errors.New("review watcher closed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false, errors.New("review watcher closed")
			}
			c.logger.Error("review watcher error: %v", err)
		}
	}
}

// decision consumes a decision file for jobID. Deny wins over approve.
func (c *FileConfirmer) decision(jobID string) (approved, decided bool) {
	for _, d := range []struct {
		ext string
		ok  bool
	}{{DenyExt, false}, {ApproveExt, true}} {
		p := filepath.Join(c.dir, jobID+d.ext)
		if _, err := os.Stat(p); err == nil {
			_ = os.Remove(p)
			return d.ok, true
		}
	}
	return false, false
}

// Decide records an operator decision for jobID in dir.
func Decide(dir, jobID string, approve bool) error {
	ext := DenyExt
	if approve {
		ext = ApproveExt
	}
	p, err := reviewFile(dir, jobID, ext)
	if err != nil {
		return err
	}
	return os.WriteFile(p, nil, 0o644)
}

// PendingReviews lists the job IDs waiting in dir, sorted.
func PendingReviews(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), PendingExt); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
