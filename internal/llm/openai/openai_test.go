package openai

import (
	"errors"
	"net/http"
	"testing"

	"github.com/openai/openai-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/drover/internal/llm"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrAPIKeyMissing)
}

func TestNewDefaults(t *testing.T) {
	cli, err := New(WithAPIKey("sk-test"))
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, cli.model)
	assert.Equal(t, DefaultTemperature, cli.temperature)
	assert.Equal(t, int64(DefaultMaxTokens), cli.maxTokens)
	assert.Equal(t, llm.DefaultSystemPrompt, cli.systemPrompt)
	assert.Nil(t, cli.schema)
}

func TestNewOverrides(t *testing.T) {
	cli, err := New(
		WithAPIKey("sk-test"),
		WithModel("gpt-4o"),
		WithTemperature(0.1),
		WithMaxTokens(256),
		WithSystemPrompt("custom"),
		WithBaseURL("http://localhost:8000/v1"),
	)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cli.model)
	assert.Equal(t, 0.1, cli.temperature)
	assert.Equal(t, int64(256), cli.maxTokens)
	assert.Equal(t, "custom", cli.systemPrompt)
}

func TestWithResponseSchema(t *testing.T) {
	type sentiment struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	}

	cli, err := New(
		WithAPIKey("sk-test"),
		WithResponseSchema("sentiment", sentiment{}),
	)
	require.NoError(t, err)
	require.NotNil(t, cli.schema)
	assert.Equal(t, "sentiment", cli.schema.Name)
	assert.NotNil(t, cli.schema.Schema)
}

func TestClassify(t *testing.T) {
	tcs := []struct {
		Name   string
		Status int
		Fatal  bool
	}{
		{"auth", http.StatusUnauthorized, true},
		{"permission", http.StatusForbidden, true},
		{"bad request", http.StatusBadRequest, true},
		{"rate limit", http.StatusTooManyRequests, false},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tc := range tcs {
		t.Run(tc.Name, func(t *testing.T) {
			err := classify(&openai.Error{StatusCode: tc.Status})
			assert.Equal(t, tc.Fatal, llm.Fatal(err))
		})
	}
}

func TestClassifyPlainError(t *testing.T) {
	plain := errors.New("dial tcp: connection refused")
	assert.Equal(t, plain, classify(plain))
}
