package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CODEFORGE_BUDGET_TOKEN_BUDGET.
const EnvPrefix = "CODEFORGE"

// legacyEnv binds config keys to environment names used by earlier deployments.
//
//nolint:gochecknoglobals // static binding table
var legacyEnv = map[string]string{
	"models.override":                 "MODEL_OVERRIDE",
	"guardrails.require_human_review": "REQUIRE_HUMAN_REVIEW",
	"queue.backend":                   "QUEUE_BACKEND",
	"queue.sqs_queue_url":             "SQS_QUEUE_URL",
	"queue.region":                    "AWS_REGION",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("models.chain", []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo"})
	v.SetDefault("models.override", "")
	v.SetDefault("models.max_tokens", 4096)
	v.SetDefault("models.temperature", 0.2)
	v.SetDefault("models.max_attempts", 3)

	v.SetDefault("budget.token_budget", 200000)
	v.SetDefault("budget.max_retries", 3)
	v.SetDefault("budget.max_iterations", 25)
	v.SetDefault("budget.step_quotas", DefaultStepQuotas())

	v.SetDefault("rate_limit.requests_per_minute", 10)
	v.SetDefault("rate_limit.tokens_per_hour", 500000)

	v.SetDefault("guardrails.prompt_integrity", true)
	v.SetDefault("guardrails.sanitize", true)
	v.SetDefault("guardrails.schema_validation", true)
	v.SetDefault("guardrails.path_allowlist", true)
	v.SetDefault("guardrails.risk_scan", true)
	v.SetDefault("guardrails.require_human_review", false)
	v.SetDefault("guardrails.review_dir", "")
	v.SetDefault("guardrails.sandbox_root", "output")
	v.SetDefault("guardrails.allowed_tools", []string{"file_writer"})
	v.SetDefault("guardrails.denied_patterns", []string{"**/.git/**", "**/.env", "**/*.pem"})
	v.SetDefault("guardrails.prompts_dir", "")
	v.SetDefault("guardrails.watch_prompts", false)

	v.SetDefault("resilience.circuit_breaker.failure_threshold", 5)
	v.SetDefault("resilience.circuit_breaker.success_threshold", 1)
	v.SetDefault("resilience.circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("resilience.backoff.initial_delay", 500*time.Millisecond)
	v.SetDefault("resilience.backoff.max_delay", 5*time.Second)
	v.SetDefault("resilience.backoff.backoff_factor", 2.0)
	v.SetDefault("resilience.backoff.jitter", true)
	v.SetDefault("resilience.timeout", 120*time.Second)

	v.SetDefault("queue.backend", "local")
	v.SetDefault("queue.sqs_queue_url", "")
	v.SetDefault("queue.region", "us-east-1")
	v.SetDefault("queue.endpoint", "")
	v.SetDefault("queue.wait_seconds", 5)
	v.SetDefault("queue.visibility_timeout", 15*time.Minute)
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.polls_per_second", 2.0)

	v.SetDefault("storage.db_path", "codeforge.db")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "jobs")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.event_log_dir", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "codeforge")
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.prometheus_url", "http://localhost:9091")

	v.SetDefault("telemetry.service_name", "codeforge")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("knowledge.top_k", 3)
	v.SetDefault("knowledge.seed", true)
}

// NewViper returns a viper instance with defaults and env bindings applied.
// configFile may be empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
			}
		}
	}
	return v, nil
}

// FromViper decodes and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Budget.StepQuotas == nil {
		cfg.Budget.StepQuotas = DefaultStepQuotas()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(configFile string) (Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// Default returns the compiled defaults without reading file or environment.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}
