package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoClient struct{ name string }

func (e echoClient) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: req.Messages[len(req.Messages)-1].Content, Model: e.name}, nil
}

func (e echoClient) GetModelName() string { return e.name }

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next LLMClient) LLMClient {
			return WrapClient(func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				order = append(order, name)
				return next.Complete(ctx, req)
			}, next.GetModelName)
		}
	}

	client := Chain(echoClient{name: "m"}, tag("outer"), tag("inner"))
	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")}))

	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "m", client.GetModelName())
}

func TestSplitSystemAndFlatten(t *testing.T) {
	msgs := []CompletionMessage{
		NewSystemMessage("rules"),
		NewUserMessage("build a todo app"),
		NewSystemMessage("more rules"),
	}

	system, rest := SplitSystem(msgs)
	assert.Equal(t, "rules\n\nmore rules", system)
	require.Len(t, rest, 1)
	assert.Equal(t, RoleUser, rest[0].Role)

	assert.Equal(t, "System: rules\n\nbuild a todo app\n\nSystem: more rules", Flatten(msgs))
}

func TestValidate(t *testing.T) {
	req := NewCompletionRequest(nil)
	assert.Error(t, req.Validate())

	req = NewCompletionRequest([]CompletionMessage{NewUserMessage("x")})
	assert.NoError(t, req.Validate())

	req.Temperature = 3
	assert.Error(t, req.Validate())

	assert.Equal(t, 7, Usage{InputTokens: 3, OutputTokens: 4}.Total())
}
