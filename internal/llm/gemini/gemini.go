// Package gemini implements the llm.Client contract against the Gemini API.
package gemini

import (
	"context"
	"errors"
	"time"

	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/pkgs/utils"
	"google.golang.org/genai"
)

const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1500

	apiVersion = "v1beta"
)

var ErrAPIKeyMissing = errors.New("missing Gemini API key")

// Client sends generate-content requests with a fixed system instruction.
type Client struct {
	genAI        *genai.Client
	model        string
	temperature  float32
	maxTokens    int32
	systemPrompt string
}

type builder struct {
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
}

type Option func(*builder) error

func WithAPIKey(key string) Option {
	return func(b *builder) error {
		b.APIKey = key
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

func WithTimeout(d time.Duration) Option {
	return func(b *builder) error {
		b.Timeout = d
		return nil
	}
}

// New creates a Gemini client.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if b.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	httpOpts := genai.HTTPOptions{APIVersion: apiVersion}
	if b.Timeout > 0 {
		httpOpts.Timeout = &b.Timeout
	}

	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      b.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		genAI:        cli,
		model:        utils.DefaultIfZero(b.Model, DefaultModel),
		temperature:  float32(utils.DefaultIfZero(b.Temperature, DefaultTemperature)),
		maxTokens:    int32(utils.DefaultIfZero(b.MaxTokens, DefaultMaxTokens)),
		systemPrompt: utils.DefaultIfZero(b.SystemPrompt, llm.DefaultSystemPrompt),
	}, nil
}

// Complete sends the rendered prompt with the system instruction and maps the
// usage metadata onto the shared usage block.
func (c *Client) Complete(ctx context.Context, userPrompt string) (*llm.Completion, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(c.temperature),
		MaxOutputTokens:   c.maxTokens,
		SystemInstruction: genai.NewContentFromText(c.systemPrompt, genai.RoleUser),
	}

	resp, err := c.genAI.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return nil, classify(err)
	}

	completion := &llm.Completion{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		completion.Usage = data.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return completion, nil
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.Code, err)
	}
	return llm.ClassifyTransport(err)
}
