// Package llmtest provides a scripted in-memory llm.Client for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/llm"
)

// Script decides the response for one call. prompt is the rendered user
// prompt; call counts prior calls with the same prompt, so parse-retry
// behavior can be scripted per attempt.
type Script func(prompt string, call int) (string, error)

// Fake is a thread-safe scripted client.
type Fake struct {
	mu       sync.Mutex
	script   Script
	usage    data.Usage
	byPrompt map[string]int
	prompts  []string
}

// New creates a fake client driven by script.
func New(script Script) *Fake {
	return &Fake{script: script, byPrompt: map[string]int{}}
}

// Always creates a fake that returns the same text for every call.
func Always(text string) *Fake {
	return New(func(string, int) (string, error) { return text, nil })
}

// AlwaysErr creates a fake that fails every call with err.
func AlwaysErr(err error) *Fake {
	return New(func(string, int) (string, error) { return "", err })
}

// WithUsage attaches a fixed usage block to every successful completion.
func (f *Fake) WithUsage(in, out int) *Fake {
	f.usage = data.Usage{InputTokens: in, OutputTokens: out}
	return f
}

func (f *Fake) Complete(ctx context.Context, prompt string) (*llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	call := f.byPrompt[prompt]
	f.byPrompt[prompt]++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	text, err := f.script(prompt, call)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Text: text, Usage: f.usage}, nil
}

// TotalCalls reports how many completions were requested.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// Prompts returns every rendered prompt seen, in call order.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	copy(out, f.prompts)
	return out
}
