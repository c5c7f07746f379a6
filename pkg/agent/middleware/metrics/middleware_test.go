package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/agent/llm"
)

type captureRecorder struct{ calls []Call }

func (c *captureRecorder) ObserveBackendCall(call Call) { c.calls = append(c.calls, call) }

type stubClient struct {
	resp llm.CompletionResponse
	err  error
}

func (s stubClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	return s.resp, s.err
}

func (stubClient) GetModelName() string { return "gpt-4o-mini" }

func request() llm.CompletionRequest {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("build a todo app")})
	req.Tags = llm.Tags{Step: "planner", JobID: "job-1"}
	return req
}

func TestRecordsProviderUsage(t *testing.T) {
	rec := &captureRecorder{}
	inner := stubClient{resp: llm.CompletionResponse{Content: "{}", Usage: llm.Usage{InputTokens: 1_000_000, OutputTokens: 0}}}
	client := llm.Chain(inner, Middleware(rec, nil, nil))

	resp, err := client.Complete(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "planner", call.Step)
	assert.Equal(t, 1_000_000, call.PromptTokens)
	assert.InDelta(t, 0.15, call.Cost, 1e-9)
	assert.True(t, call.Success)
}

func TestEstimatesMissingUsage(t *testing.T) {
	rec := &captureRecorder{}
	client := llm.Chain(stubClient{resp: llm.CompletionResponse{Content: "hello world"}}, Middleware(rec, nil, nil))

	resp, err := client.Complete(context.Background(), request())
	require.NoError(t, err)
	assert.Positive(t, resp.Usage.InputTokens)
	assert.Positive(t, resp.Usage.OutputTokens)
}

func TestRecordsFailure(t *testing.T) {
	rec := &captureRecorder{}
	client := llm.Chain(stubClient{err: errors.New("status code: 503")}, Middleware(rec, nil, nil))

	_, err := client.Complete(context.Background(), request())
	require.Error(t, err)
	require.Len(t, rec.calls, 1)
	assert.False(t, rec.calls[0].Success)
	assert.Equal(t, "transient", rec.calls[0].ErrorType)
	assert.Zero(t, rec.calls[0].PromptTokens)
}
