// Package config loads job configuration from a YAML file and the
// environment. CLI flags override file values; file values override defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Defaults mirrored by the CLI flag help.
const (
	DefaultProvider         = "openai"
	DefaultModel            = "gpt-4o-mini"
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 1500
	DefaultMaxRetries       = 3
	DefaultBatchSize        = 10
	DefaultParseRetries     = 2
	DefaultBreakerThreshold = 5
)

// Environment variable names consulted when the file and flags are silent.
const (
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvGeminiAPIKey = "GEMINI_API_KEY"
	EnvBaseURL      = "DROVER_BASE_URL"
	EnvModel        = "DROVER_MODEL"
	EnvSystemPrompt = "DROVER_SYSTEM_PROMPT"
)

type LLM struct {
	Provider     string  `mapstructure:"provider" validate:"oneof=openai ollama gemini"`
	Model        string  `mapstructure:"model" validate:"required"`
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	Temperature  float64 `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int     `mapstructure:"max_tokens" validate:"gt=0"`
	SystemPrompt string  `mapstructure:"system_prompt"`
}

type Processing struct {
	Mode             string `mapstructure:"mode" validate:"oneof=sequential concurrent"`
	BatchSize        int    `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries       int    `mapstructure:"max_retries" validate:"gt=0"`
	ParseRetries     int    `mapstructure:"parse_retries" validate:"gte=0"`
	CheckinInterval  int    `mapstructure:"checkin_interval" validate:"gte=0"`
	BreakerThreshold int    `mapstructure:"circuit_breaker_threshold" validate:"gte=0"`
}

type Output struct {
	Format        string   `mapstructure:"format" validate:"oneof=enriched separate"`
	Schema        []string `mapstructure:"schema"`
	NoPostProcess bool     `mapstructure:"no_post_process"`
	NoMerge       bool     `mapstructure:"no_merge"`
	IncludeRaw    bool     `mapstructure:"include_raw"`
}

// Job is the complete configuration for one processing run.
type Job struct {
	LLM        LLM        `mapstructure:"llm"`
	Processing Processing `mapstructure:"processing"`
	Output     Output     `mapstructure:"output"`
	Prompt     string     `mapstructure:"prompt"`
}

// Default returns a Job with every default applied and the environment
// consulted for credentials.
func Default() Job {
	v := newViper()
	var job Job
	// Unmarshal of an empty viper applies only the registered defaults;
	// it cannot fail.
	_ = v.Unmarshal(&job)
	return job
}

// Load reads the YAML file at path on top of the defaults and environment.
func Load(path string) (Job, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Job{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var job Job
	if err := v.Unmarshal(&job); err != nil {
		return Job{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return job, nil
}

// Validate checks field constraints and cross-field requirements.
func (j Job) Validate() error {
	if err := validator.New().Struct(j); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if j.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if j.LLM.Provider != "ollama" && j.APIKey() == "" {
		return fmt.Errorf("API key is required for provider %s", j.LLM.Provider)
	}
	return nil
}

// APIKey resolves the credential for the configured provider, falling back to
// the provider's conventional environment variable.
func (j Job) APIKey() string {
	if j.LLM.APIKey != "" {
		return j.LLM.APIKey
	}
	switch j.LLM.Provider {
	case "gemini":
		return viper.GetString(EnvGeminiAPIKey)
	default:
		return viper.GetString(EnvOpenAIAPIKey)
	}
}

// ResolveBaseURL applies the OpenRouter convention: keys beginning sk-or-
// imply the OpenRouter endpoint when no base URL was configured.
func (j Job) ResolveBaseURL() string {
	if j.LLM.BaseURL != "" {
		return j.LLM.BaseURL
	}
	if strings.HasPrefix(j.APIKey(), "sk-or-") {
		return "https://openrouter.ai/api/v1"
	}
	return ""
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("llm.provider", DefaultProvider)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.temperature", DefaultTemperature)
	v.SetDefault("llm.max_tokens", DefaultMaxTokens)
	v.SetDefault("processing.mode", "sequential")
	v.SetDefault("processing.batch_size", DefaultBatchSize)
	v.SetDefault("processing.max_retries", DefaultMaxRetries)
	v.SetDefault("processing.parse_retries", DefaultParseRetries)
	v.SetDefault("processing.circuit_breaker_threshold", DefaultBreakerThreshold)
	v.SetDefault("output.format", "enriched")

	// Registered defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("prompt", "")

	_ = v.BindEnv("llm.base_url", EnvBaseURL)
	_ = v.BindEnv("llm.model", EnvModel)
	_ = v.BindEnv("llm.system_prompt", EnvSystemPrompt)

	return v
}

func init() {
	// Credentials come straight from the process environment.
	viper.AutomaticEnv()
}
