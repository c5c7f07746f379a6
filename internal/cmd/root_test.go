package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/config"
	"codeforge/pkg/eventlog"
	"codeforge/pkg/guardrails"
	"codeforge/pkg/persistence"
	"codeforge/pkg/proto"
	"codeforge/pkg/version"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := Execute(context.Background())
	return out.String(), err
}

// offlineEnv points every side effect at a temp dir and uses the scripted backend.
func offlineEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CODEFORGE_MODELS_CHAIN", "mock-primary")
	t.Setenv("CODEFORGE_STORAGE_DB_PATH", filepath.Join(dir, "codeforge.db"))
	t.Setenv("CODEFORGE_GUARDRAILS_SANDBOX_ROOT", filepath.Join(dir, "output"))
	t.Setenv("CODEFORGE_METRICS_ENABLED", "false")
	return dir
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "codeforge "+version.Version)
}

func TestRunThenListJobs(t *testing.T) {
	dir := offlineEnv(t)

	out, err := execute(t, "", "run", "--state-dir", dir, "--caller", "alice", "--json", "Build a todo list app")
	require.NoError(t, err)
	var st proto.JobState
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, proto.StatusCompleted, st.Status)
	assert.FileExists(t, filepath.Join(dir, "output", st.JobID, "SPEC.md"))

	out, err = execute(t, "", "jobs", "list", "--state-dir", dir, "--caller", "alice", "--json")
	require.NoError(t, err)
	var jobs []persistence.Job
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, st.JobID, jobs[0].ID)

	_, err = execute(t, "", "jobs", "get", "--state-dir", dir, "--json", "missing-id")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestJobsEventsReadsJournal(t *testing.T) {
	dir := offlineEnv(t)
	t.Setenv("CODEFORGE_STORAGE_EVENT_LOG_DIR", filepath.Join(dir, "events"))

	out, err := execute(t, "", "run", "--state-dir", dir, "--caller", "carol", "--json", "Build a kanban board")
	require.NoError(t, err)
	var st proto.JobState
	require.NoError(t, json.Unmarshal([]byte(out), &st))

	out, err = execute(t, "", "jobs", "events", "--state-dir", dir, "--json")
	require.NoError(t, err)
	var events []eventlog.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, st.JobID, events[0].JobID)
	assert.Equal(t, "carol", events[0].CallerID)

	_, err = execute(t, "", "jobs", "events", "--state-dir", dir, "--date", "yesterday")
	require.Error(t, err)
}

func TestJobsApproveDropsDecision(t *testing.T) {
	dir := offlineEnv(t)
	reviews := filepath.Join(dir, "reviews")
	t.Setenv("CODEFORGE_GUARDRAILS_REVIEW_DIR", reviews)
	require.NoError(t, os.MkdirAll(reviews, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(reviews, "job-7"+guardrails.PendingExt), []byte("w\n"), 0o644))

	out, err := execute(t, "", "jobs", "reviews", "--state-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "job-7\n", out)

	out, err = execute(t, "", "jobs", "approve", "--state-dir", dir, "job-7")
	require.NoError(t, err)
	assert.Contains(t, out, "Job job-7 approved")
	assert.FileExists(t, filepath.Join(reviews, "job-7"+guardrails.ApproveExt))

	_, err = execute(t, "", "jobs", "deny", "--state-dir", dir, "../job-7")
	assert.ErrorIs(t, err, guardrails.ErrPathViolation)
}

func TestRunRequiresRequest(t *testing.T) {
	dir := offlineEnv(t)
	_, err := execute(t, "", "run", "--state-dir", dir, "--json=false", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request is required")
}

func TestSubmitRejectsLocalQueue(t *testing.T) {
	dir := offlineEnv(t)
	_, err := execute(t, "", "submit", "--state-dir", dir, "Build a blog")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared queue")
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvSecretsPassword, "hunter2")

	_, err := execute(t, "sk-test-123\n", "secrets", "set", "--state-dir", dir, "OPENAI_API_KEY")
	require.NoError(t, err)
	assert.True(t, config.SecretsFileExists(dir))

	out, err := execute(t, "", "secrets", "list", "--state-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "OPENAI_API_KEY\n", out)

	secrets, err := config.DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", secrets["OPENAI_API_KEY"])

	_, err = execute(t, "", "secrets", "delete", "--state-dir", dir, "OPENAI_API_KEY")
	require.NoError(t, err)
	out, err = execute(t, "", "secrets", "list", "--state-dir", dir)
	require.NoError(t, err)
	assert.Empty(t, out)
}
