// Package metrics exposes job, step and backend metrics to Prometheus and
// reads aggregates back for the stats command.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	llmmetrics "codeforge/pkg/agent/middleware/metrics"
)

// Sink records every metric the engine, the worker and the backend middleware
// produce. It satisfies llmmetrics.Recorder and engine.Observer.
type Sink struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stepLatency     *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	jobTokens       prometheus.Histogram
	warningsTotal   prometheus.Counter
	queueDepth      prometheus.Gauge
	activeJobs      prometheus.Gauge
}

// DefaultNamespace prefixes every metric name when none is configured.
const DefaultNamespace = "codeforge"

// NewSink registers the metric families on a fresh registry.
func NewSink(namespace string) *Sink {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Sink{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Backend calls by model, step and status",
		}, []string{"model", "step", "status", "error_type"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by model, step and direction",
		}, []string{"model", "step", "type"}),
		costsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_costs_total",
			Help:      "Cost in USD by model and step",
		}, []string{"model", "step"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Backend call latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "step"}),
		stepLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step latency including guardrails and fallback",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"step", "status"}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished jobs by terminal status",
		}, []string{"status"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to terminal state",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobTokens: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_tokens",
			Help:      "Total tokens per finished job",
			Buckets:   prometheus.ExponentialBuckets(1000, 2, 10),
		}),
		warningsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_warnings_total",
			Help:      "Risky patterns found in generated files",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of queued jobs",
		}),
		activeJobs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently being processed",
		}),
	}
}

// Registry returns the underlying registry.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// ObserveBackendCall implements llmmetrics.Recorder.
func (s *Sink) ObserveBackendCall(call llmmetrics.Call) {
	status := "success"
	if !call.Success {
		status = "error"
	}
	s.requestsTotal.WithLabelValues(call.Model, call.Step, status, call.ErrorType).Inc()
	s.tokensTotal.WithLabelValues(call.Model, call.Step, "prompt").Add(float64(call.PromptTokens))
	s.tokensTotal.WithLabelValues(call.Model, call.Step, "completion").Add(float64(call.CompletionTokens))
	s.costsTotal.WithLabelValues(call.Model, call.Step).Add(call.Cost)
	s.requestDuration.WithLabelValues(call.Model, call.Step).Observe(call.Duration.Seconds())
}

// ObserveStep records one step invocation.
func (s *Sink) ObserveStep(step string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.stepLatency.WithLabelValues(step, status).Observe(d.Seconds())
}

// ObserveWarnings counts security warnings raised for one step.
func (s *Sink) ObserveWarnings(n int) {
	if n > 0 {
		s.warningsTotal.Add(float64(n))
	}
}

// ObserveJob records a job reaching a terminal status.
func (s *Sink) ObserveJob(status string, tokens int, d time.Duration) {
	s.jobsTotal.WithLabelValues(status).Inc()
	s.jobDuration.Observe(d.Seconds())
	s.jobTokens.Observe(float64(tokens))
}

// SetQueueDepth publishes the last sampled queue depth.
func (s *Sink) SetQueueDepth(n int) {
	s.queueDepth.Set(float64(n))
}

// JobStarted and JobDone track in-flight jobs.
func (s *Sink) JobStarted() { s.activeJobs.Inc() }

// JobDone decrements the in-flight gauge.
func (s *Sink) JobDone() { s.activeJobs.Dec() }

var _ llmmetrics.Recorder = (*Sink)(nil)
