// Package engine drives units through the LLM client and post-processor under
// a bounded concurrency limit, integrating the circuit breaker and the
// parse-retry loop. Results stream to the caller through an emit callback;
// final ordering is the caller's concern (the result log reorders by index).
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/internal/postproc"
	"github.com/kmorand/drover/internal/prompt"
)

// Mode selects how units are scheduled.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
)

// Defaults applied when the caller leaves options unset.
const (
	DefaultBatchSize    = 10
	DefaultParseRetries = 2
)

// ErrPaused is returned when the operator chooses to pause at a check-in. The
// result log already holds everything emitted; the job can be resumed later.
var ErrPaused = errors.New("processing paused by operator")

// CheckinDirective is the operator's answer at a check-in.
type CheckinDirective int

const (
	CheckinContinue CheckinDirective = iota
	CheckinPause
	CheckinSilent
)

// CheckinFunc is invoked every checkin-interval processed units in sequential
// mode. CheckinSilent continues and suppresses further check-ins.
type CheckinFunc func(processed, total int) CheckinDirective

// Engine processes units with an LLM client and a prompt template.
type Engine struct {
	client          llm.Client
	tmpl            *prompt.Template
	mode            Mode
	batchSize       int
	postProcess     bool
	merge           bool
	includeRaw      bool
	parseRetries    int
	breaker         *CircuitBreaker
	checkinInterval int
	checkin         CheckinFunc
	logger          zerolog.Logger
	tracer          trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithMode(mode Mode) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithBatchSize bounds the number of in-flight LLM calls in concurrent mode.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPostProcessing controls the JSON extraction step and its merge and
// include-raw flags.
func WithPostProcessing(enabled, merge, includeRaw bool) Option {
	return func(e *Engine) {
		e.postProcess = enabled
		e.merge = merge
		e.includeRaw = includeRaw
	}
}

// WithParseRetries sets how many fresh LLM calls may follow a parse failure.
func WithParseRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.parseRetries = n
		}
	}
}

// WithBreakerThreshold sets the consecutive-fatal-failure threshold; 0
// disables the breaker.
func WithBreakerThreshold(n int) Option {
	return func(e *Engine) { e.breaker = NewCircuitBreaker(n) }
}

// WithCheckin installs an operator check-in every interval processed units
// (sequential mode only).
func WithCheckin(interval int, fn CheckinFunc) Option {
	return func(e *Engine) {
		e.checkinInterval = interval
		e.checkin = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// New creates an engine around a client and template.
func New(client llm.Client, tmpl *prompt.Template, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		tmpl:         tmpl,
		mode:         ModeSequential,
		batchSize:    DefaultBatchSize,
		postProcess:  true,
		merge:        true,
		includeRaw:   false,
		parseRetries: DefaultParseRetries,
		breaker:      NewCircuitBreaker(DefaultBreakerThreshold),
		logger:       zerolog.Nop(),
		tracer:       noop.NewTracerProvider().Tracer("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker exposes the circuit breaker so the caller can reset it after a trip.
func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// Process drives every unit through the single-record procedure and calls
// emit once per unit with its terminal result. emit runs on one goroutine in
// both modes; a non-nil emit error halts the stream. On a breaker trip every
// in-flight task is cancelled and drained before the *TrippedError returns.
func (e *Engine) Process(ctx context.Context, units []data.Unit, emit func(data.Result) error) error {
	if e.mode == ModeConcurrent {
		return e.processConcurrent(ctx, units, emit)
	}
	return e.processSequential(ctx, units, emit)
}

func (e *Engine) processSequential(ctx context.Context, units []data.Unit, emit func(data.Result) error) error {
	checkin := e.checkin
	for i, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := e.processUnit(ctx, unit)
		if err != nil && !llm.Fatal(err) {
			return err
		}
		if emitErr := emit(result); emitErr != nil {
			return emitErr
		}
		if err != nil && e.breaker.IsTripped() {
			return &TrippedError{Status: e.breaker.Status()}
		}

		if checkin != nil && e.checkinInterval > 0 && (i+1)%e.checkinInterval == 0 {
			switch checkin(i+1, len(units)) {
			case CheckinPause:
				return ErrPaused
			case CheckinSilent:
				checkin = nil
			}
		}
	}
	return nil
}

func (e *Engine) processConcurrent(ctx context.Context, units []data.Unit, emit func(data.Result) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result data.Result
		err    error
	}

	jobs := make(chan data.Unit)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for range e.batchSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range jobs {
				result, err := e.processUnit(ctx, unit)
				select {
				case outcomes <- outcome{result, err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, unit := range units {
			select {
			case jobs <- unit:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Single consumer: emit and breaker checks happen here, never in workers.
	// After streamErr is set we keep draining so every worker settles before
	// returning.
	var streamErr error
	for out := range outcomes {
		if streamErr != nil {
			continue
		}
		if out.err != nil && !llm.Fatal(out.err) {
			if errors.Is(out.err, context.Canceled) {
				continue
			}
			streamErr = out.err
			cancel()
			continue
		}
		if emitErr := emit(out.result); emitErr != nil {
			streamErr = emitErr
			cancel()
			continue
		}
		if out.err != nil && e.breaker.IsTripped() {
			streamErr = &TrippedError{Status: e.breaker.Status()}
			cancel()
		}
	}
	if streamErr != nil {
		return streamErr
	}
	return ctx.Err()
}

// processUnit runs the shared single-record procedure: render, call, optional
// post-process, parse-retry on fresh calls. The returned error is non-nil for
// fatal provider errors (already recorded in the breaker, result still
// carries _error), for template errors, and for cancellation; the result is
// nil only in the latter two cases.
func (e *Engine) processUnit(ctx context.Context, unit data.Unit) (data.Result, error) {
	attempts := 1 + e.parseRetries
	var usage data.Usage
	var lastParseFail data.Result

	for attempt := 1; attempt <= attempts; attempt++ {
		rendered, err := e.tmpl.Render(unit)
		if err != nil {
			return nil, err
		}

		completion, err := e.complete(ctx, unit, rendered, attempt)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			result := e.newResult(unit)
			result[data.KeyError] = err.Error()
			result[data.KeyUsage] = usage
			if llm.Fatal(err) {
				e.breaker.RecordFailure(err, unit)
				return result, err
			}
			return result, nil
		}
		usage = usage.Add(completion.Usage)

		result := e.newResult(unit)
		result[data.KeyResult] = completion.Text
		if !e.postProcess {
			result[data.KeyUsage] = usage
			e.breaker.RecordSuccess()
			return result, nil
		}

		processed := postproc.ProcessResult(result, e.merge, e.includeRaw)
		if _, failed := processed[data.KeyParseError]; !failed {
			processed[data.KeyUsage] = usage
			e.breaker.RecordSuccess()
			return processed, nil
		}

		e.logger.Debug().
			Int("idx", unit.Index()).
			Int("attempt", attempt).
			Int("budget", attempts).
			Msg("model output did not parse as JSON")
		lastParseFail = processed
	}

	lastParseFail[data.KeyRetriesExhausted] = true
	lastParseFail[data.KeyAttempts] = attempts
	lastParseFail[data.KeyUsage] = usage
	return lastParseFail, nil
}

func (e *Engine) complete(ctx context.Context, unit data.Unit, rendered string, attempt int) (*llm.Completion, error) {
	ctx, span := e.tracer.Start(ctx, "engine.complete",
		trace.WithAttributes(
			attribute.Int("unit.idx", unit.Index()),
			attribute.Int("attempt", attempt),
		))
	defer span.End()

	completion, err := e.client.Complete(ctx, rendered)
	if err != nil {
		span.RecordError(err)
	}
	return completion, err
}

func (e *Engine) newResult(unit data.Unit) data.Result {
	result := make(data.Result, len(unit)+4)
	for k, v := range unit {
		result[k] = v
	}
	return result
}
