package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo"}, cfg.Models.Chain)
	assert.Equal(t, 200000, cfg.Budget.TokenBudget)
	assert.Equal(t, 3, cfg.Budget.MaxRetries)
	assert.Equal(t, 25, cfg.Budget.MaxIterations)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 500000, cfg.RateLimit.TokensPerHour)
	assert.Equal(t, 30000, cfg.Budget.StepQuotas[StepFrontend])
	assert.Equal(t, 2000, cfg.Budget.StepQuotas[StepOrchestrator])
	assert.Equal(t, []string{"file_writer"}, cfg.Guardrails.AllowedTools)
	assert.Equal(t, 30*time.Second, cfg.Resilience.CircuitBreaker.Timeout)
	assert.Equal(t, "local", cfg.Queue.Backend)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codeforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
budget:
  token_budget: 5000
  max_retries: 1
models:
  chain: [mock-fast, mock-slow]
resilience:
  timeout: 45s
`), 0o600))

	t.Setenv("MODEL_OVERRIDE", "mock-forced")
	t.Setenv("REQUIRE_HUMAN_REVIEW", "true")
	t.Setenv("CODEFORGE_RATE_LIMIT_REQUESTS_PER_MINUTE", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Budget.TokenBudget)
	assert.Equal(t, 1, cfg.Budget.MaxRetries)
	assert.Equal(t, []string{"mock-fast", "mock-slow"}, cfg.Models.Chain)
	assert.Equal(t, "mock-forced", cfg.Models.Override)
	assert.True(t, cfg.Guardrails.RequireHumanReview)
	assert.Equal(t, 3, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 45*time.Second, cfg.Resilience.Timeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty chain", func(c *Config) { c.Models.Chain = nil }},
		{"unknown model", func(c *Config) { c.Models.Chain = []string{"zork-1"} }},
		{"zero budget", func(c *Config) { c.Budget.TokenBudget = 0 }},
		{"negative retries", func(c *Config) { c.Budget.MaxRetries = -1 }},
		{"sqs without url", func(c *Config) { c.Queue.Backend = "sqs" }},
		{"bad backend", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"no sandbox", func(c *Config) { c.Guardrails.SandboxRoot = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.00075, CalculateCost("gpt-4o-mini", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.0125, CalculateCost("gpt-4o", 1000, 1000), 1e-9)
	assert.InDelta(t, 0.002, CalculateCost("gpt-3.5-turbo", 1000, 1000), 1e-9)
	assert.Zero(t, CalculateCost("mock-model", 1000, 1000))
	// rounded to 6 decimals
	assert.Equal(t, 0.0, CalculateCost("gpt-4o-mini", 1, 0))
}

func TestGetModelProvider(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":            ProviderOpenAI,
		"claude-sonnet-4-5": ProviderAnthropic,
		"gemini-2.0-pro":    ProviderGoogle,
		"ollama:phi4":       ProviderOllama,
		"mock-planner":      ProviderMock,
	}
	for model, want := range cases {
		got, err := GetModelProvider(model)
		require.NoError(t, err, model)
		assert.Equal(t, want, got, model)
	}
	_, err := GetModelProvider("zork")
	assert.Error(t, err)
}

func TestSecretsRoundTripAndLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(dir, "hunter2", map[string]string{EnvOpenAIAPIKey: "sk-test"}))
	assert.True(t, SecretsFileExists(dir))

	_, err := DecryptSecretsFile(dir, "wrong")
	assert.ErrorIs(t, err, ErrSecretsPassword)

	secrets, err := DecryptSecretsFile(dir, "hunter2")
	require.NoError(t, err)
	SetDecryptedSecrets(secrets)
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	key, err := GetAPIKey(ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	assert.Equal(t, []string{EnvOpenAIAPIKey}, GetDecryptedSecretNames())

	host, err := GetAPIKey(ProviderOllama)
	require.NoError(t, err)
	assert.NotEmpty(t, host)
}
