package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

type fixedClient struct{ content string }

func (f fixedClient) Complete(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
	return llm.CompletionResponse{Content: f.content, Usage: llm.Usage{InputTokens: 10}}, nil
}

func (fixedClient) GetModelName() string { return "gpt-4o-mini" }

func TestEmptyResponseBecomesTransientError(t *testing.T) {
	client := llm.Chain(fixedClient{content: "  \n"}, EmptyResponseMiddleware())
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.True(t, llmerrors.IsTransient(err))
	assert.Equal(t, 10, resp.Usage.InputTokens)
}

func TestNonEmptyResponsePasses(t *testing.T) {
	client := llm.Chain(fixedClient{content: "{}"}, EmptyResponseMiddleware())
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	require.NoError(t, err)
	assert.Equal(t, "{}", resp.Content)
}
