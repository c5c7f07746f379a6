package kernel

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/mocks"
	"codeforge/pkg/config"
	"codeforge/pkg/eventlog"
	"codeforge/pkg/proto"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Models.Chain = []string{"mock-a", "mock-b"}
	cfg.Storage.DBPath = filepath.Join(dir, "codeforge.db")
	cfg.Guardrails.SandboxRoot = filepath.Join(dir, "output")
	cfg.Resilience.Backoff = config.BackoffConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	return &cfg
}

func newKernel(t *testing.T, cfg *config.Config, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestNewWiresComponents(t *testing.T) {
	k := newKernel(t, testConfig(t))

	assert.NotNil(t, k.Store)
	assert.NotNil(t, k.Knowledge)
	assert.NotNil(t, k.Pipeline)
	assert.NotNil(t, k.Engine)
	assert.NotNil(t, k.Queue)
	assert.NotNil(t, k.Writer)
	assert.NotNil(t, k.Processor)
	assert.NotNil(t, k.Metrics)
	assert.Equal(t, []string{"mock-a", "mock-b"}, k.Chain.Backends())

	n, err := k.Knowledge.Count(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Backend = "kafka"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}

func TestOverrideReplacesChain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Override = "mock-override"
	k := newKernel(t, cfg)
	assert.Equal(t, []string{"mock-override", "mock-override", "mock-override"}, k.Chain.Backends())
}

func TestRunJobWithScriptedBackend(t *testing.T) {
	cfg := testConfig(t)
	k := newKernel(t, cfg)
	ctx := context.Background()

	res, err := k.RunJob(ctx, "alice", "Build a todo list app")
	require.NoError(t, err)
	require.Equal(t, proto.StatusCompleted, res.State.Status, res.State.Error)
	assert.True(t, res.State.ValidationPassed)

	dir := filepath.Join(k.Sandbox.Root(), res.State.JobID)
	assert.FileExists(t, filepath.Join(dir, "SPEC.md"))
	assert.FileExists(t, filepath.Join(dir, "frontend", "index.html"))
	assert.FileExists(t, filepath.Join(dir, "backend", "main.py"))

	rec, err := k.Store.Get(ctx, res.State.JobID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, rec.Status)

	count, err := testutil.GatherAndCount(k.Metrics.Registry(), "codeforge_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunJobWritesJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.EventLogDir = filepath.Join(t.TempDir(), "events")
	k := newKernel(t, cfg)

	res, err := k.RunJob(context.Background(), "alice", "Build a todo list app")
	require.NoError(t, err)
	require.NotNil(t, k.Journal)

	files, err := eventlog.ListFiles(cfg.Storage.EventLogDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	events, err := eventlog.ReadEvents(files[0])
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.State.JobID, events[0].JobID)
	assert.Equal(t, res.State.TotalTokens, events[0].TotalTokens)
	assert.Positive(t, events[0].FilesWritten)
}

func TestPrimaryOutageFallsBack(t *testing.T) {
	down := mocks.NewMockLLMClient().SetModelName("mock-a")
	down.FailCompleteWith(errors.New("dial tcp 10.0.0.1:443: connection refused"))

	k := newKernel(t, testConfig(t), WithRawClient("mock-a", down))
	res, err := k.RunJob(context.Background(), "alice", "Build a notes app")
	require.NoError(t, err)

	assert.Equal(t, proto.StatusCompleted, res.State.Status, res.State.Error)
	assert.Positive(t, down.CallCount())
}

func TestSubmittedJobRunsOnPool(t *testing.T) {
	k := newKernel(t, testConfig(t))
	ctx := context.Background()

	s, err := k.Submit(ctx, "bob", "Build a blog")
	require.NoError(t, err)

	pool := k.NewPool()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	require.Eventually(t, func() bool { return pool.Processed() == 1 }, 10*time.Second, 20*time.Millisecond)
	pool.Stop()
	require.NoError(t, <-done)

	rec, err := k.Store.Get(ctx, s.JobID)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusCompleted, rec.Status)
}

func TestCloseCancelsContext(t *testing.T) {
	k, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, k.Close())
	assert.Error(t, k.Context().Err())
}
