// Package agent builds backend clients wrapped in the standard middleware chain.
package agent

import (
	"fmt"
	"sync"

	"codeforge/pkg/agent/internal/llmimpl/anthropic"
	"codeforge/pkg/agent/internal/llmimpl/google"
	"codeforge/pkg/agent/internal/llmimpl/ollama"
	"codeforge/pkg/agent/internal/llmimpl/openaiofficial"
	"codeforge/pkg/agent/internal/llmimpl/scripted"
	"codeforge/pkg/agent/llm"
	"codeforge/pkg/agent/middleware/metrics"
	"codeforge/pkg/agent/middleware/resilience/circuit"
	"codeforge/pkg/agent/middleware/resilience/timeout"
	"codeforge/pkg/agent/middleware/validation"
	"codeforge/pkg/config"
	"codeforge/pkg/logx"
)

// LLMClientFactory creates clients by model name. Each model gets its own
// circuit breaker, shared by every client created for that model.
type LLMClientFactory struct {
	recorder metrics.Recorder
	logger   *logx.Logger
	breakers map[string]circuit.Breaker
	raw      map[string]llm.LLMClient
	config   config.ResilienceConfig
	mu       sync.Mutex
}

// NewLLMClientFactory creates a factory. recorder may be nil.
func NewLLMClientFactory(cfg config.ResilienceConfig, recorder metrics.Recorder, logger *logx.Logger) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		recorder: recorder,
		logger:   logger,
		breakers: make(map[string]circuit.Breaker),
		raw:      make(map[string]llm.LLMClient),
		config:   cfg,
	}
}

// RegisterRaw installs a pre-built raw client for modelName. The middleware
// chain is still applied. Tests use it to stand in for a provider.
func (f *LLMClientFactory) RegisterRaw(modelName string, client llm.LLMClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[modelName] = client
}

// Breaker returns the circuit breaker for modelName, creating it on first use.
func (f *LLMClientFactory) Breaker(modelName string) circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[modelName]
	if !ok {
		b = circuit.New(circuit.FromConfig(f.config.CircuitBreaker))
		f.breakers[modelName] = b
	}
	return b
}

// CreateClient builds the client for modelName with the middleware chain:
//
//	Metrics -> CircuitBreaker -> EmptyResponse -> Timeout -> RawClient
func (f *LLMClientFactory) CreateClient(modelName string) (llm.LLMClient, error) {
	rawClient, err := f.rawClient(modelName)
	if err != nil {
		return nil, err
	}
	return llm.Chain(rawClient,
		metrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(f.Breaker(modelName)),
		validation.EmptyResponseMiddleware(),
		timeout.Middleware(f.config.Timeout),
	), nil
}

// CreateClients builds one client per model, in order.
func (f *LLMClientFactory) CreateClients(modelNames []string) ([]llm.LLMClient, error) {
	clients := make([]llm.LLMClient, 0, len(modelNames))
	for _, name := range modelNames {
		c, err := f.CreateClient(name)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func (f *LLMClientFactory) rawClient(modelName string) (llm.LLMClient, error) {
	f.mu.Lock()
	injected, ok := f.raw[modelName]
	f.mu.Unlock()
	if ok {
		return injected, nil
	}

	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}
	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, modelName), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, modelName), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, modelName), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, modelName), nil
	case config.ProviderMock:
		return scripted.New(modelName), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
