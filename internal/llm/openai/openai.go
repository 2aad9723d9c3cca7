// Package openai implements the llm.Client contract against an
// OpenAI-compatible chat-completion endpoint.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/pkgs/utils"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1500
)

var ErrAPIKeyMissing = errors.New("OpenAI API key is required")

// Client calls the chat-completions endpoint with a fixed system prompt.
type Client struct {
	api          openai.Client
	model        string
	temperature  float64
	maxTokens    int64
	systemPrompt string
	schema       *shared.ResponseFormatJSONSchemaJSONSchemaParam
}

type builder struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
	HTTPClient   *http.Client
	SchemaName   string
	SchemaFrom   any
}

type Option func(*builder) error

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(b *builder) error {
		b.APIKey = key
		return nil
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
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

// WithSystemPrompt overrides the default JSON-only system prompt.
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

func WithHTTPClient(c *http.Client) Option {
	return func(b *builder) error {
		b.HTTPClient = c
		return nil
	}
}

// WithResponseSchema enforces strict structured output: the schema is
// reflected from v and sent as a JSON-schema response format.
func WithResponseSchema(name string, v any) Option {
	return func(b *builder) error {
		b.SchemaName = name
		b.SchemaFrom = v
		return nil
	}
}

// New creates an OpenAI client. SDK-internal retries are disabled; the
// llm.Retrier owns the retry policy.
func New(opts ...Option) (*Client, error) {
	b := &builder{}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	if b.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	cliOpts := []option.RequestOption{
		option.WithAPIKey(b.APIKey),
		option.WithMaxRetries(0),
	}
	if b.BaseURL != "" {
		cliOpts = append(cliOpts, option.WithBaseURL(b.BaseURL))
	}
	if b.Timeout > 0 {
		cliOpts = append(cliOpts, option.WithRequestTimeout(b.Timeout))
	}
	if b.HTTPClient != nil {
		cliOpts = append(cliOpts, option.WithHTTPClient(b.HTTPClient))
	}

	cli := &Client{
		api:          openai.NewClient(cliOpts...),
		model:        utils.DefaultIfZero(b.Model, DefaultModel),
		temperature:  utils.DefaultIfZero(b.Temperature, DefaultTemperature),
		maxTokens:    int64(utils.DefaultIfZero(b.MaxTokens, DefaultMaxTokens)),
		systemPrompt: utils.DefaultIfZero(b.SystemPrompt, llm.DefaultSystemPrompt),
	}

	if b.SchemaFrom != nil {
		schema := jsonschema.Reflect(b.SchemaFrom)
		cli.schema = &shared.ResponseFormatJSONSchemaJSONSchemaParam{
			Name:   b.SchemaName,
			Schema: schema,
			Strict: openai.Bool(true),
		}
	}
	return cli, nil
}

// Complete sends [system, user] messages and returns the assistant text with
// the usage block when the response carries one.
func (c *Client) Complete(ctx context.Context, userPrompt string) (*llm.Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(c.systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
		MaxTokens:   openai.Int(c.maxTokens),
	}
	if c.schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: *c.schema},
		}
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	completion := &llm.Completion{}
	if len(resp.Choices) > 0 {
		completion.Text = resp.Choices[0].Message.Content
	}
	completion.Usage = data.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return completion, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(apiErr.StatusCode, err)
	}
	return llm.ClassifyTransport(err)
}
