package openaiofficial

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

func TestCompleteParsesOutputAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "resp_1", "object": "response", "created_at": 1, "status": "completed", "model": "gpt-4o-mini",
			"output": [{"type": "message", "id": "msg_1", "role": "assistant", "status": "completed",
				"content": [{"type": "output_text", "text": "{\"next_agent\":\"planner\"}", "annotations": []}]}],
			"usage": {"input_tokens": 12, "output_tokens": 7, "total_tokens": 19,
				"input_tokens_details": {"cached_tokens": 0}, "output_tokens_details": {"reasoning_tokens": 0}}
		}`))
	}))
	defer srv.Close()

	client := NewOfficialClientWithModel("test-key", "gpt-4o-mini", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("route"),
		llm.NewUserMessage("state"),
	}))

	require.NoError(t, err)
	assert.Equal(t, `{"next_agent":"planner"}`, resp.Content)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)
}

func TestCompleteClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	client := NewOfficialClientWithModel("test-key", "gpt-4o", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	require.Error(t, err)
	assert.True(t, llmerrors.IsTransient(err))
	var classified *llmerrors.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, 503, classified.StatusCode)
	assert.Equal(t, "gpt-4o", classified.Backend)
}
