package mocks

import (
	"context"
	"sync"

	"codeforge/pkg/agent/llm"
)

// MockLLMClient implements llm.LLMClient for tests.
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls records every request for verification.
	CompleteCalls []llm.CompletionRequest

	modelName string
	mu        sync.Mutex
}

// NewMockLLMClient returns a mock that answers "Mock response".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.RespondWith("Mock response")
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modelName
}

// SetModelName sets the name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) *MockLLMClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelName = name
	return m
}

// CallCount returns how many times Complete ran.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// OnComplete sets a custom handler.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// FailCompleteWith makes every call return err.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// RespondWith makes every call return content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// RespondWithUsage makes every call return content with fixed token usage.
func (m *MockLLMClient) RespondWithUsage(content string, in, out int) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{
			Content:    content,
			StopReason: "end_turn",
			Usage:      llm.Usage{InputTokens: in, OutputTokens: out},
		}, nil
	})
}

// RespondByStep answers by the request's step tag. Steps without an entry get
// fallback.
func (m *MockLLMClient) RespondByStep(byStep map[string]llm.CompletionResponse, fallback llm.CompletionResponse) {
	m.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if resp, ok := byStep[req.Tags.Step]; ok {
			return resp, nil
		}
		return fallback, nil
	})
}

// RespondWithSequence returns responses in order, repeating the last one.
func (m *MockLLMClient) RespondWithSequence(responses []llm.CompletionResponse) {
	var idx int
	var seqMu sync.Mutex
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		seqMu.Lock()
		defer seqMu.Unlock()
		if idx < len(responses) {
			resp := responses[idx]
			idx++
			return resp, nil
		}
		return responses[len(responses)-1], nil
	})
}
