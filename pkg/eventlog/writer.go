// Package eventlog keeps an append-only JSONL journal of job outcomes, one
// file per UTC day.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"codeforge/pkg/proto"
)

const filePattern = "events-*.jsonl"

// Event is one journal line.
type Event struct {
	Time         time.Time            `json:"time"`
	JobID        string               `json:"job_id"`
	CallerID     string               `json:"caller_id"`
	Status       proto.Status         `json:"status"`
	StopReason   string               `json:"stop_reason,omitempty"`
	Error        string               `json:"error,omitempty"`
	TotalTokens  int                  `json:"total_tokens"`
	TotalCostUSD float64              `json:"total_cost_usd"`
	TokensByStep map[proto.StepID]int `json:"tokens_by_step,omitempty"`
	RetryCount   int                  `json:"retry_count"`
	ModelUsed    string               `json:"model_used,omitempty"`
	Warnings     int                  `json:"warnings"`
	FilesWritten int                  `json:"files_written"`
	Withheld     bool                 `json:"withheld,omitempty"`
}

// FromState summarizes a finished job.
func FromState(s *proto.JobState) Event {
	ev := Event{
		Time:         time.Now().UTC(),
		JobID:        s.JobID,
		CallerID:     s.CallerID,
		Status:       s.Status,
		StopReason:   s.StopReason,
		Error:        s.Error,
		TotalTokens:  s.TotalTokens,
		TotalCostUSD: s.TotalCostUSD,
		TokensByStep: s.TokensByStep,
		RetryCount:   s.RetryCount,
		ModelUsed:    s.ModelUsed,
		Warnings:     len(s.SecurityWarnings),
	}
	if s.CompletedAt != nil {
		ev.Time = s.CompletedAt.UTC()
	}
	return ev
}

// Writer appends events to the current day's file. It is safe for
// concurrent use.
type Writer struct {
	dir     string
	mu      sync.Mutex
	file    *os.File
	date    string
	nowFunc func() time.Time
}

// NewWriter creates dir if needed and opens today's file.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	w := &Writer{dir: dir, nowFunc: time.Now}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends ev as one line and syncs it to disk.
func (w *Writer) Write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event for job %s: %w", ev.JobID, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return w.file.Sync()
}

func (w *Writer) rotateIfNeeded() error {
	date := w.nowFunc().UTC().Format(time.DateOnly)
	if w.file != nil && w.date == date {
		return nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close event log: %w", err)
		}
		w.file = nil
	}
	path := filepath.Join(w.dir, fileName(date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	w.file = f
	w.date = date
	return nil
}

// Path returns the file currently written to.
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ""
	}
	return filepath.Join(w.dir, fileName(w.date))
}

// Close closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func fileName(date string) string {
	return "events-" + date + ".jsonl"
}

// ReadEvents parses one journal file. Blank lines are ignored.
func ReadEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filepath.Base(path), n, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// ListFiles returns the journal files in dir, oldest first.
func ListFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
