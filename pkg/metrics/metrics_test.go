package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmmetrics "codeforge/pkg/agent/middleware/metrics"
)

func TestSinkCounters(t *testing.T) {
	s := NewSink("")
	s.ObserveBackendCall(llmmetrics.Call{
		Model: "gpt-4o-mini", Step: "planner", PromptTokens: 100, CompletionTokens: 50,
		Cost: 0.01, Duration: time.Second, Success: true,
	})
	s.ObserveBackendCall(llmmetrics.Call{Model: "gpt-4o-mini", Step: "planner", ErrorType: "transient"})
	s.ObserveStep("planner", 2*time.Second, nil)
	s.ObserveStep("frontend", time.Second, errors.New("boom"))
	s.ObserveWarnings(3)
	s.ObserveWarnings(0)
	s.ObserveJob("completed", 4200, time.Minute)
	s.SetQueueDepth(7)
	s.JobStarted()
	s.JobStarted()
	s.JobDone()

	assert.Equal(t, 1.0, testutil.ToFloat64(s.requestsTotal.WithLabelValues("gpt-4o-mini", "planner", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.requestsTotal.WithLabelValues("gpt-4o-mini", "planner", "error", "transient")))
	assert.Equal(t, 100.0, testutil.ToFloat64(s.tokensTotal.WithLabelValues("gpt-4o-mini", "planner", "prompt")))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.warningsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.jobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(s.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.activeJobs))
	assert.Equal(t, 2, testutil.CollectAndCount(s.stepLatency))
}

func TestSinkHandlerExposesFamilies(t *testing.T) {
	s := NewSink("")
	s.ObserveJob("failed", 10, time.Second)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `codeforge_jobs_total{status="failed"} 1`)
}

func fakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		query := r.Form.Get("query")
		var result string
		switch {
		case strings.Contains(query, `type="prompt"`):
			result = `{"metric":{"step":"planner"},"value":[1700000000,"300"]},{"metric":{"step":"frontend"},"value":[1700000000,"900"]}`
		case strings.Contains(query, `type="completion"`):
			result = `{"metric":{"step":"planner"},"value":[1700000000,"100"]}`
		case strings.Contains(query, "codeforge_llm_costs_total"):
			result = `{"metric":{"step":"frontend"},"value":[1700000000,"0.25"]}`
		case strings.Contains(query, "codeforge_jobs_total"):
			result = `{"metric":{"status":"completed"},"value":[1700000000,"4"]}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[%s]}}`, result)
	}))
}

func TestUsageByStep(t *testing.T) {
	srv := fakePrometheus(t)
	defer srv.Close()

	q, err := NewQueryService(srv.URL, "codeforge")
	require.NoError(t, err)

	usage, err := q.UsageBy(context.Background(), "step")
	require.NoError(t, err)
	require.Len(t, usage, 2)

	assert.Equal(t, "frontend", usage[0].Label)
	assert.Equal(t, int64(900), usage[0].TotalTokens)
	assert.InDelta(t, 0.25, usage[0].TotalCost, 1e-9)
	assert.Equal(t, "planner", usage[1].Label)
	assert.Equal(t, int64(400), usage[1].TotalTokens)

	jobs, err := q.JobsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), jobs["completed"])

	_, err = q.UsageBy(context.Background(), "job_id")
	assert.Error(t, err)
}
