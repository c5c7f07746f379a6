package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/llmerrors"
)

type slowClient struct{}

func (slowClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	<-ctx.Done()
	return llm.CompletionResponse{}, ctx.Err()
}

func (slowClient) GetModelName() string { return "slow" }

func TestTimeoutIsTransient(t *testing.T) {
	client := llm.Chain(slowClient{}, Middleware(20*time.Millisecond))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestParentCancellationPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := llm.Chain(slowClient{}, Middleware(time.Minute))
	_, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("x")}))

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, llmerrors.IsTransient(err))
}
