// Package ollama implements the llm.Client contract against a local Ollama
// server.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/pkgs/utils"
	"github.com/ollama/ollama/api"
)

const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "llama3.2"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1500
)

var ErrInvalidBaseURL = errors.New("invalid Ollama base URL")

// Client sends chat requests to the Ollama API with streaming disabled; one
// prompt yields one final response.
type Client struct {
	api          *api.Client
	model        string
	temperature  float64
	maxTokens    int
	systemPrompt string
}

type builder struct {
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	HTTPClient   *http.Client
}

type Option func(*builder) error

func WithBaseURL(u string) Option {
	return func(b *builder) error {
		b.BaseURL = u
		return nil
	}
}

func WithModel(name string) Option {
	return func(b *builder) error {
		b.Model = name
		return nil
	}
}

func WithTemperature(t float64) Option {
	return func(b *builder) error {
		b.Temperature = t
		return nil
	}
}

func WithMaxTokens(n int) Option {
	return func(b *builder) error {
		b.MaxTokens = n
		return nil
	}
}

func WithSystemPrompt(p string) Option {
	return func(b *builder) error {
		b.SystemPrompt = p
		return nil
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) error {
		b.HTTPClient = c
		return nil
	}
}

// New creates an Ollama client.
func New(opts ...Option) (*Client, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	base, err := url.Parse(utils.DefaultIfZero(b.BaseURL, DefaultBaseURL))
	if err != nil {
		return nil, errors.Join(ErrInvalidBaseURL, err)
	}

	return &Client{
		api: api.NewClient(base, utils.IfElse(
			b.HTTPClient == nil, http.DefaultClient, b.HTTPClient)),
		model:        utils.DefaultIfZero(b.Model, DefaultModel),
		temperature:  utils.DefaultIfZero(b.Temperature, DefaultTemperature),
		maxTokens:    utils.DefaultIfZero(b.MaxTokens, DefaultMaxTokens),
		systemPrompt: utils.DefaultIfZero(b.SystemPrompt, llm.DefaultSystemPrompt),
	}, nil
}

// Complete sends [system, user] messages and returns the final message with
// eval counts mapped onto the shared usage block.
func (c *Client) Complete(ctx context.Context, userPrompt string) (*llm.Completion, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": c.temperature,
			"num_predict": c.maxTokens,
		},
	}

	var final api.ChatResponse
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	return &llm.Completion{
		Text: final.Message.Content,
		Usage: data.Usage{
			InputTokens:  final.Metrics.PromptEvalCount,
			OutputTokens: final.Metrics.EvalCount,
		},
	}, nil
}

func classify(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return llm.ClassifyStatus(se.StatusCode, err)
	}
	return llm.ClassifyTransport(err)
}
