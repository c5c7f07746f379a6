package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Usage is an aggregate of token and cost counters for one label value.
type Usage struct {
	Label            string  `json:"label"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// QueryService reads the counters the Sink exports back from a Prometheus server.
type QueryService struct {
	queryAPI  v1.API
	namespace string
}

// NewQueryService creates a query service against prometheusURL for metrics
// exported under namespace.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client), namespace: namespace}, nil
}

// UsageBy aggregates tokens and cost grouped by a label, "step" or "model".
func (q *QueryService) UsageBy(ctx context.Context, label string) ([]Usage, error) {
	if label != "step" && label != "model" {
		return nil, fmt.Errorf("unsupported grouping label %q", label)
	}
	byLabel := make(map[string]*Usage)
	get := func(v string) *Usage {
		u, ok := byLabel[v]
		if !ok {
			u = &Usage{Label: v}
			byLabel[v] = u
		}
		return u
	}

	now := time.Now()
	for _, kind := range []string{"prompt", "completion"} {
		query := fmt.Sprintf(`sum by (%s) (%s_llm_tokens_total{type=%q})`, label, q.namespace, kind)
		vector, err := q.vector(ctx, query, now)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s tokens: %w", kind, err)
		}
		for _, sample := range vector {
			u := get(string(sample.Metric[model.LabelName(label)]))
			if kind == "prompt" {
				u.PromptTokens = int64(sample.Value)
			} else {
				u.CompletionTokens = int64(sample.Value)
			}
		}
	}

	vector, err := q.vector(ctx, fmt.Sprintf(`sum by (%s) (%s_llm_costs_total)`, label, q.namespace), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost: %w", err)
	}
	for _, sample := range vector {
		get(string(sample.Metric[model.LabelName(label)])).TotalCost = float64(sample.Value)
	}

	out := make([]Usage, 0, len(byLabel))
	for _, u := range byLabel {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// JobsByStatus returns finished job counts per terminal status.
func (q *QueryService) JobsByStatus(ctx context.Context) (map[string]int64, error) {
	vector, err := q.vector(ctx, fmt.Sprintf(`sum by (status) (%s_jobs_total)`, q.namespace), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	out := make(map[string]int64, len(vector))
	for _, sample := range vector {
		out[string(sample.Metric["status"])] = int64(sample.Value)
	}
	return out, nil
}

func (q *QueryService) vector(ctx context.Context, query string, at time.Time) (model.Vector, error) {
	result, _, err := q.queryAPI.Query(ctx, query, at)
	if err != nil {
		return nil, err
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}
