package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		require.NoError(t, Configure(Options{Level: LevelInfo}))
		DisableDebug()
	})
	return &buf
}

func TestLoggerFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("engine").Info("dispatching %s", "planner")

	out := buf.String()
	assert.Contains(t, out, "[engine]")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "dispatching planner")
}

func TestLoggerWithFields(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("worker").With("job_id", "j-1").Warn("slow poll")

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "job_id")
	assert.Contains(t, out, "j-1")
}

func TestDebugDomainFiltering(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("engine").Debug("hidden")
	assert.Empty(t, buf.String())

	SetDebugDomains([]string{"engine"})
	NewLogger("engine").Debug("shown")
	NewLogger("queue").Debug("filtered")

	out := buf.String()
	assert.Contains(t, out, "shown")
	assert.NotContains(t, out, "filtered")
}

func TestContextDebugCarriesJobID(t *testing.T) {
	buf := captureOutput(t)
	SetDebugDomains(nil)

	Debug(WithJobID(context.Background(), "job-42"), "router", "deciding")

	out := buf.String()
	assert.Contains(t, out, "deciding")
	assert.Contains(t, out, "job-42")
}

func TestErrorfAndWrap(t *testing.T) {
	buf := captureOutput(t)
	base := errors.New("boom")

	err := Errorf("setup failed: %w", base)
	require.ErrorIs(t, err, base)

	wrapped := Wrap(base, "db connect")
	require.ErrorIs(t, wrapped, base)
	assert.Equal(t, "db connect: boom", wrapped.Error())
	assert.Nil(t, Wrap(nil, "noop"))

	assert.Equal(t, 2, strings.Count(buf.String(), "ERROR"))
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	assert.Error(t, Configure(Options{Level: "loud"}))
	assert.Error(t, Configure(Options{Format: "xml"}))
}
