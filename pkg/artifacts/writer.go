// Package artifacts writes a finished job's files under the sandbox root.
// Every write goes through the sandbox on its own: a rejected path fails only
// that write.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"codeforge/pkg/guardrails"
	"codeforge/pkg/logx"
	"codeforge/pkg/proto"
)

// FileWriterTool is the tool name writes are checked against.
const FileWriterTool = "file_writer"

// ErrReviewDenied means the human-review gate withheld the artifacts.
var ErrReviewDenied = errors.New("artifacts withheld by human review")

// Mirror copies written artifacts to secondary storage.
type Mirror interface {
	Put(ctx context.Context, key string, body []byte) error
}

// Violation is one rejected write.
type Violation struct {
	Path string
	Err  error
}

// Report summarizes one Write.
type Report struct {
	Dir        string
	Written    []string
	Violations []Violation
	Mirrored   int
}

// Writer writes job artifacts.
type Writer struct {
	sandbox *guardrails.Sandbox
	review  *guardrails.ReviewGate
	mirror  Mirror
	logger  *logx.Logger
}

// NewWriter builds a writer. review and mirror may be nil.
func NewWriter(sandbox *guardrails.Sandbox, review *guardrails.ReviewGate, mirror Mirror) *Writer {
	if review == nil {
		review = guardrails.NewReviewGate(false, nil)
	}
	return &Writer{sandbox: sandbox, review: review, mirror: mirror, logger: logx.NewLogger("artifacts")}
}

// ValidationReport renders the report file body.
func ValidationReport(s *proto.JobState) string {
	status := "FAILED"
	if s.ValidationPassed {
		status = "PASSED"
	}
	report := s.ValidationReport
	if report == "" {
		report = "No validation run."
	}
	return fmt.Sprintf("# Validation Report\n\n**Status:** %s\n\n%s", status, report)
}

// artifact is one file to write. Step-generated files carry the subfolder
// they must stay in.
type artifact struct {
	sub  string
	name string
	body string
}

func (a artifact) rel() string {
	if a.sub == "" {
		return a.name
	}
	return a.sub + "/" + a.name
}

// files lists every artifact of s keyed by job-relative path.
func files(s *proto.JobState) []artifact {
	out := make([]artifact, 0, len(s.FrontendFiles)+len(s.BackendFiles)+2)
	for name, body := range s.FrontendFiles {
		out = append(out, artifact{sub: "frontend", name: name, body: body})
	}
	for name, body := range s.BackendFiles {
		out = append(out, artifact{sub: "backend", name: name, body: body})
	}
	if s.Spec != "" {
		out = append(out, artifact{name: "SPEC.md", body: s.Spec})
	}
	out = append(out, artifact{name: "VALIDATION_REPORT.md", body: ValidationReport(s)})
	slices.SortFunc(out, func(a, b artifact) int { return strings.Compare(a.rel(), b.rel()) })
	return out
}

// checkName rejects generated file names that are empty or step outside
// their subfolder.
func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.ContainsRune(name, '\\') {
		return fmt.Errorf("%w: invalid file name %q", guardrails.ErrPathViolation, name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: invalid file name %q", guardrails.ErrPathViolation, name)
		}
	}
	return nil
}

// Write stores the artifacts of s under <root>/<job_id>/. Jobs with security
// warnings pass the review gate first. Path violations are reported, not
// returned; the error is reserved for review denial, a refused tool and I/O
// failures of the job directory itself.
func (w *Writer) Write(ctx context.Context, s *proto.JobState) (Report, error) {
	var rep Report
	if err := w.sandbox.CheckTool(FileWriterTool); err != nil {
		return rep, err
	}
	ok, err := w.review.Approve(ctx, s.JobID, s.SecurityWarnings)
	if err != nil {
		return rep, fmt.Errorf("review of job %s: %w", s.JobID, err)
	}
	if !ok {
		w.logger.Warn("job %s: %d security warning(s), artifacts withheld", s.JobID, len(s.SecurityWarnings))
		return rep, ErrReviewDenied
	}

	dir, err := w.sandbox.Resolve(s.JobID)
	if err != nil {
		return rep, fmt.Errorf("job directory: %w", err)
	}
	rep.Dir = dir

	for _, a := range files(s) {
		rel := a.rel()
		jobRel := s.JobID + "/" + rel
		body := []byte(a.body)
		err := w.writeOne(s.JobID, a, body)
		if err != nil {
			if !errors.Is(err, guardrails.ErrPathViolation) {
				return rep, err
			}
			w.logger.Warn("job %s: write blocked: %v", s.JobID, err)
			rep.Violations = append(rep.Violations, Violation{Path: rel, Err: err})
			continue
		}
		rep.Written = append(rep.Written, rel)

		if w.mirror != nil {
			if err := w.mirror.Put(ctx, path.Clean(jobRel), body); err != nil {
				w.logger.Warn("job %s: mirror of %s failed: %v", s.JobID, rel, err)
				continue
			}
			rep.Mirrored++
		}
	}
	w.logger.Info("job %s: wrote %d file(s) to %s (%d blocked, %d mirrored)",
		s.JobID, len(rep.Written), dir, len(rep.Violations), rep.Mirrored)
	return rep, nil
}

// writeOne writes a, which must resolve strictly inside its base directory:
// <job>/<sub> for generated files, <job> otherwise.
func (w *Writer) writeOne(jobID string, a artifact, body []byte) error {
	if a.sub != "" {
		if err := checkName(a.name); err != nil {
			return err
		}
	}
	base, err := w.sandbox.Resolve(path.Join(jobID, a.sub))
	if err != nil {
		return err
	}
	rel := jobID + "/" + a.rel()
	dest, err := w.checkInside(base, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	// parents now exist; resolve again so a symlink planted among them is caught
	if dest, err = w.checkInside(base, rel); err != nil {
		return err
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (w *Writer) checkInside(base, rel string) (string, error) {
	dest, err := w.sandbox.Resolve(rel)
	if err != nil {
		return "", err
	}
	inside, err := filepath.Rel(base, dest)
	if err != nil || inside == "." || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q leaves %s", guardrails.ErrPathViolation, rel, filepath.Base(base))
	}
	return dest, nil
}
