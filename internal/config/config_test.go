package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/drover/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	job := config.Default()

	assert.Equal(t, "openai", job.LLM.Provider)
	assert.Equal(t, config.DefaultModel, job.LLM.Model)
	assert.Equal(t, config.DefaultTemperature, job.LLM.Temperature)
	assert.Equal(t, config.DefaultMaxTokens, job.LLM.MaxTokens)
	assert.Equal(t, "sequential", job.Processing.Mode)
	assert.Equal(t, config.DefaultBatchSize, job.Processing.BatchSize)
	assert.Equal(t, config.DefaultParseRetries, job.Processing.ParseRetries)
	assert.Equal(t, config.DefaultBreakerThreshold, job.Processing.BreakerThreshold)
	assert.Equal(t, "enriched", job.Output.Format)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: ollama
  model: llama3.2
  temperature: 0.2
  max_tokens: 800
processing:
  mode: concurrent
  batch_size: 8
  checkin_interval: 25
output:
  format: separate
  schema: [sentiment, score]
  include_raw: true
prompt: "Classify {text}"
`)

	job, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ollama", job.LLM.Provider)
	assert.Equal(t, "llama3.2", job.LLM.Model)
	assert.Equal(t, 0.2, job.LLM.Temperature)
	assert.Equal(t, 800, job.LLM.MaxTokens)
	assert.Equal(t, "concurrent", job.Processing.Mode)
	assert.Equal(t, 8, job.Processing.BatchSize)
	assert.Equal(t, 25, job.Processing.CheckinInterval)
	assert.Equal(t, "separate", job.Output.Format)
	assert.Equal(t, []string{"sentiment", "score"}, job.Output.Schema)
	assert.True(t, job.Output.IncludeRaw)
	assert.Equal(t, "Classify {text}", job.Prompt)
	// Unset sections keep their defaults.
	assert.Equal(t, config.DefaultMaxRetries, job.Processing.MaxRetries)

	require.NoError(t, job.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tcs := []struct {
		Name   string
		Mutate func(*config.Job)
		ErrMsg string
	}{
		{
			Name:   "missing prompt",
			Mutate: func(j *config.Job) { j.Prompt = "" },
			ErrMsg: "prompt is required",
		},
		{
			Name:   "unknown provider",
			Mutate: func(j *config.Job) { j.LLM.Provider = "llamacpp" },
			ErrMsg: "invalid configuration",
		},
		{
			Name:   "unknown mode",
			Mutate: func(j *config.Job) { j.Processing.Mode = "parallel" },
			ErrMsg: "invalid configuration",
		},
		{
			Name:   "missing API key",
			Mutate: func(j *config.Job) { j.LLM.APIKey = "" },
			ErrMsg: "API key is required",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.Name, func(t *testing.T) {
			t.Setenv(config.EnvOpenAIAPIKey, "")
			job := config.Default()
			job.Prompt = "X {t}"
			job.LLM.APIKey = "sk-test"
			tc.Mutate(&job)

			err := job.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.ErrMsg)
		})
	}
}

func TestValidateOllamaNeedsNoKey(t *testing.T) {
	job := config.Default()
	job.Prompt = "X {t}"
	job.LLM.Provider = "ollama"
	job.LLM.APIKey = ""
	require.NoError(t, job.Validate())
}

func TestAPIKeyFromEnv(t *testing.T) {
	t.Setenv(config.EnvOpenAIAPIKey, "sk-from-env")
	job := config.Default()
	assert.Equal(t, "sk-from-env", job.APIKey())

	job.LLM.APIKey = "sk-explicit"
	assert.Equal(t, "sk-explicit", job.APIKey())
}

func TestResolveBaseURLOpenRouter(t *testing.T) {
	job := config.Default()
	job.LLM.APIKey = "sk-or-v1-abcdef"
	assert.Equal(t, "https://openrouter.ai/api/v1", job.ResolveBaseURL())

	job.LLM.BaseURL = "http://localhost:8000/v1"
	assert.Equal(t, "http://localhost:8000/v1", job.ResolveBaseURL())

	job.LLM.BaseURL = ""
	job.LLM.APIKey = "sk-plain"
	assert.Empty(t, job.ResolveBaseURL())
}
