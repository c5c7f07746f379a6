package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

func TestNewOllamaClientWithModel(t *testing.T) {
	c := NewOllamaClientWithModel("::not a url", "ollama:llama3.1:8b").(*Client)
	assert.Equal(t, defaultHost, c.hostURL)
	assert.Equal(t, "llama3.1:8b", c.model)
	assert.Equal(t, "ollama:llama3.1:8b", c.GetModelName())
}

func TestCompleteAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req api.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen2.5-coder", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen2.5-coder",
			"message":           map[string]any{"role": "assistant", "content": `{"passed":true,"report":"ok"}`},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 40,
			"eval_count":        9,
		})
	}))
	defer srv.Close()

	client := NewOllamaClientWithModel(srv.URL, "ollama:qwen2.5-coder")
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("validate"),
		llm.NewUserMessage("files"),
	}))

	require.NoError(t, err)
	assert.Equal(t, `{"passed":true,"report":"ok"}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 40, resp.Usage.InputTokens)
	assert.Equal(t, 9, resp.Usage.OutputTokens)
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewOllamaClientWithModel(url, "ollama:llama3")
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	require.Error(t, err)
	assert.True(t, llmerrors.IsTransient(err))
}

func TestGetStopReason(t *testing.T) {
	assert.Equal(t, "incomplete", getStopReason(&api.ChatResponse{}))
	assert.Equal(t, "max_tokens", getStopReason(&api.ChatResponse{Done: true, DoneReason: "length"}))
}
