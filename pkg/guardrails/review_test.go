package guardrails

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalConfirmerDeniesWithoutTTY(t *testing.T) {
	c := &TerminalConfirmer{in: strings.NewReader("y\n"), out: io.Discard}
	ok, err := c.Confirm(context.Background(), "j", []string{"w"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalConfirmerCancelKeepsInput(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	c := &TerminalConfirmer{in: pr, out: &out, tty: true}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := c.Confirm(ctx, "job-1", []string{"w"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)

	go func() { _, _ = io.WriteString(pw, "yes\n") }()
	ok, err = c.Confirm(context.Background(), "job-2", []string{"backend/main.py: subprocess call"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Job job-2 produced 1 security warning(s)")
}

func TestTerminalConfirmerEOFDenies(t *testing.T) {
	c := &TerminalConfirmer{in: strings.NewReader(""), out: io.Discard, tty: true}
	ok, err := c.Confirm(context.Background(), "j", []string{"w"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileConfirmerWaitsForDecision(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "review")
	c, err := NewFileConfirmer(dir)
	require.NoError(t, err)

	decided := make(chan struct{})
	go func() {
		defer close(decided)
		assert.Eventually(t, func() bool {
			ids, _ := PendingReviews(dir)
			return slices.Contains(ids, "job-1")
		}, 2*time.Second, 5*time.Millisecond)
		assert.NoError(t, Decide(dir, "job-1", true))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.Confirm(ctx, "job-1", []string{"backend/main.py: subprocess call"})
	<-decided
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoFileExists(t, filepath.Join(dir, "job-1"+PendingExt))
	assert.NoFileExists(t, filepath.Join(dir, "job-1"+ApproveExt))
}

func TestFileConfirmerHonoursEarlyDenial(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileConfirmer(dir)
	require.NoError(t, err)
	require.NoError(t, Decide(dir, "job-1", true))
	require.NoError(t, Decide(dir, "job-1", false))

	ok, err := c.Confirm(context.Background(), "job-1", []string{"w"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileConfirmerCancel(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileConfirmer(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := NewReviewGate(true, c).Approve(ctx, "job-1", []string{"w"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ok)

	ids, err := PendingReviews(dir)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDecideRejectsPathLikeIDs(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"", "../x", "a/b", ".hidden"} {
		assert.ErrorIs(t, Decide(dir, id, true), ErrPathViolation, id)
	}
}
