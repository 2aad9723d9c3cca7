package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Backoff bounds for transient failures.
const (
	DefaultMaxRetries = 3
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 60 * time.Second
	MaxJitter         = 5 * time.Second
)

// Retrier wraps a provider client with the shared retry policy: transient
// errors are reissued up to MaxRetries attempts with exponential backoff and
// jitter; fatal errors surface immediately; anything unclassified gets its one
// attempt and surfaces as a non-fatal error.
type Retrier struct {
	client     Client
	maxRetries int
	logger     zerolog.Logger

	// sleep and jitter are swappable for tests.
	sleep  func(context.Context, time.Duration) error
	jitter func() float64
}

// NewRetrier builds a Retrier around client. A maxRetries of 0 falls back to
// DefaultMaxRetries.
func NewRetrier(client Client, maxRetries int, logger zerolog.Logger) *Retrier {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Retrier{
		client:     client,
		maxRetries: maxRetries,
		logger:     logger,
		sleep:      sleepCtx,
		jitter:     rand.Float64,
	}
}

// Complete issues the prompt, retrying transient failures. The error returned
// after exhaustion is the last transient error, never promoted to fatal.
func (r *Retrier) Complete(ctx context.Context, prompt string) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt-1) + time.Duration(r.jitter()*float64(MaxJitter))
			r.logger.Debug().
				Int("attempt", attempt).
				Dur("wait", wait).
				Err(lastErr).
				Msg("retrying LLM call after transient error")
			if err := r.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		completion, err := r.client.Complete(ctx, prompt)
		if err == nil {
			return completion, nil
		}

		var te *TransientError
		if !errors.As(err, &te) {
			// Fatal or unclassified: no further attempts.
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	wait := InitialBackoff << attempt
	if wait > MaxBackoff || wait <= 0 {
		return MaxBackoff
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
