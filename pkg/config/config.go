// Package config provides configuration for the codeforge engine.
//
// Configuration is layered: compiled defaults, then an optional YAML file,
// then CODEFORGE_* environment variables (plus a handful of legacy names such
// as MODEL_OVERRIDE and REQUIRE_HUMAN_REVIEW). Load returns the config by
// value; components receive the sub-struct they need at construction time.
//
// Pricing and provider inference are static tables, not user settings.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderMock      = "mock"
)

// Environment variables holding provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Step names used as keys in StepQuotas. They mirror proto.StepID values.
const (
	StepOrchestrator = "orchestrator"
	StepPlanner      = "planner"
	StepFrontend     = "frontend"
	StepBackend      = "backend"
	StepValidator    = "validator"
)

// ModelInfo contains static information about a known LLM model.
type ModelInfo struct {
	Provider         string  // API provider
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels holds pricing and provider information for common models.
//
//nolint:gochecknoglobals // static model registry
var KnownModels = map[string]ModelInfo{
	"gpt-4o-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         0.15,
		OutputCPM:        0.60,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.50,
		OutputCPM:        10.00,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gpt-3.5-turbo": {
		Provider:         ProviderOpenAI,
		InputCPM:         0.50,
		OutputCPM:        1.50,
		MaxContextTokens: 16385,
		MaxOutputTokens:  4096,
	},
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-3-5-haiku-20241022": {
		Provider:         ProviderAnthropic,
		InputCPM:         0.80,
		OutputCPM:        4.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern maps a model-name prefix to a provider.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infer providers for models missing from KnownModels.
//
//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"mock", ProviderMock},
	{"ollama:", ProviderOllama},
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"deepseek", ProviderOllama},
}

// GetModelProvider returns the API provider for a model name.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// CalculateCost returns the USD cost of a call, rounded to 6 decimals.
// Unknown models cost 0 so new models can be used without pricing data.
func CalculateCost(modelName string, inputTokens, outputTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1_000_000*info.InputCPM + float64(outputTokens)/1_000_000*info.OutputCPM
	return math.Round(cost*1e6) / 1e6
}

// GetAPIKey returns the credential for a provider: secrets file first, then env.
// For Ollama it returns the host URL.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		host := os.Getenv(EnvOllamaHost)
		if host == "" {
			host = "http://localhost:11434"
		}
		return host, nil
	case ProviderMock:
		return "", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}

// LogConfig configures pkg/logx.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ModelsConfig configures the fallback chain.
type ModelsConfig struct {
	Chain       []string `mapstructure:"chain"`    // priority order
	Override    string   `mapstructure:"override"` // forced backend, bypasses the chain
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature float32  `mapstructure:"temperature"`
	MaxAttempts int      `mapstructure:"max_attempts"` // capped at len(Chain)
}

// BudgetConfig configures per-job ceilings.
type BudgetConfig struct {
	TokenBudget   int            `mapstructure:"token_budget"`
	MaxRetries    int            `mapstructure:"max_retries"`
	MaxIterations int            `mapstructure:"max_iterations"`
	StepQuotas    map[string]int `mapstructure:"step_quotas"`
}

// RateLimitConfig configures per-caller admission control.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	TokensPerHour     int `mapstructure:"tokens_per_hour"`
}

// GuardrailsConfig toggles the five checks and their parameters.
type GuardrailsConfig struct {
	PromptIntegrity    bool     `mapstructure:"prompt_integrity"`
	Sanitize           bool     `mapstructure:"sanitize"`
	SchemaValidation   bool     `mapstructure:"schema_validation"`
	PathAllowlist      bool     `mapstructure:"path_allowlist"`
	RiskScan           bool     `mapstructure:"risk_scan"`
	RequireHumanReview bool     `mapstructure:"require_human_review"`
	ReviewDir          string   `mapstructure:"review_dir"` // empty prompts on the terminal
	SandboxRoot        string   `mapstructure:"sandbox_root"`
	AllowedTools       []string `mapstructure:"allowed_tools"`
	DeniedPatterns     []string `mapstructure:"denied_patterns"` // doublestar globs never writable
	PromptsDir         string   `mapstructure:"prompts_dir"`     // empty uses the embedded catalog
	WatchPrompts       bool     `mapstructure:"watch_prompts"`
}

// CircuitBreakerConfig defines circuit breaker behaviour per backend.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// BackoffConfig defines the delay between fallback attempts.
type BackoffConfig struct {
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        bool          `mapstructure:"jitter"`
}

// ResilienceConfig bundles backend middleware configuration.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Backoff        BackoffConfig        `mapstructure:"backoff"`
	Timeout        time.Duration        `mapstructure:"timeout"` // per attempt
}

// QueueConfig configures the job queue and worker pool.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"` // local or sqs
	SQSQueueURL       string        `mapstructure:"sqs_queue_url"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	WaitSeconds       int           `mapstructure:"wait_seconds"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollsPerSecond    float64       `mapstructure:"polls_per_second"`
}

// StorageConfig configures persistence and artifact output.
type StorageConfig struct {
	DBPath     string `mapstructure:"db_path"`
	S3Bucket   string `mapstructure:"s3_bucket"` // empty disables the mirror
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`

	// EventLogDir holds the daily job outcome journals; empty disables them.
	EventLogDir string `mapstructure:"event_log_dir"`
}

// MetricsConfig configures the Prometheus sink.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Namespace     string `mapstructure:"namespace"`
	ListenAddr    string `mapstructure:"listen_addr"`
	PrometheusURL string `mapstructure:"prometheus_url"` // server queried by `codeforge stats`
}

// TelemetryConfig configures OpenTelemetry tracing. Empty endpoint disables export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
}

// KnowledgeConfig configures the context lookup store.
type KnowledgeConfig struct {
	TopK int  `mapstructure:"top_k"`
	Seed bool `mapstructure:"seed"`
}

// Config is the full engine configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Models     ModelsConfig     `mapstructure:"models"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
}

// DefaultStepQuotas returns the per-step token ceilings.
func DefaultStepQuotas() map[string]int {
	return map[string]int{
		StepOrchestrator: 2000,
		StepPlanner:      10000,
		StepFrontend:     30000,
		StepBackend:      30000,
		StepValidator:    15000,
	}
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	if len(c.Models.Chain) == 0 && c.Models.Override == "" {
		return fmt.Errorf("models.chain must list at least one model")
	}
	for _, m := range append(append([]string{}, c.Models.Chain...), c.Models.Override) {
		if m == "" {
			continue
		}
		if _, err := GetModelProvider(m); err != nil {
			return err
		}
	}
	if c.Budget.TokenBudget <= 0 {
		return fmt.Errorf("budget.token_budget must be positive, got %d", c.Budget.TokenBudget)
	}
	if c.Budget.MaxRetries < 0 {
		return fmt.Errorf("budget.max_retries must not be negative, got %d", c.Budget.MaxRetries)
	}
	if c.Budget.MaxIterations <= 0 {
		return fmt.Errorf("budget.max_iterations must be positive, got %d", c.Budget.MaxIterations)
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.TokensPerHour <= 0 {
		return fmt.Errorf("rate_limit ceilings must be positive")
	}
	switch c.Queue.Backend {
	case "local":
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			return fmt.Errorf("queue.sqs_queue_url is required for the sqs backend")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Guardrails.SandboxRoot == "" {
		return fmt.Errorf("guardrails.sandbox_root must be set")
	}
	return nil
}
