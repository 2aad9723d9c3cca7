// Package llm defines the chat-completion client contract consumed by the
// processing engine, the error classification shared by all providers, and the
// retrying wrapper that backs off transient failures.
package llm

import (
	"context"

	"github.com/kmorand/drover/internal/data"
)

// DefaultSystemPrompt instructs strict machine-parseable output. Operators may
// override it per job.
const DefaultSystemPrompt = `You are a data processing assistant. Your task is to process the input and return ONLY valid JSON output.

CRITICAL RULES:
1. Return ONLY valid JSON - no markdown, no explanations, no extra text
2. Do NOT wrap the response in code blocks
3. Do NOT include any text before or after the JSON
4. The JSON must be parseable by a machine

If the task asks for multiple values, return them as a JSON object with descriptive keys.`

// Completion is one chat-completion response.
type Completion struct {
	// Text is the assistant message content.
	Text string
	// Usage holds the token counts reported by the provider, zero when the
	// response carried no usage block.
	Usage data.Usage
}

// Client produces one completion per prompt. Implementations prepend the
// configured system prompt and send the rendered prompt as the user message.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}
