// Package job coordinates one batch run end to end: enumerate the input,
// drive the engine, feed the result log and the progress tracker, and on
// completion assemble the final output and the failures file. It also owns
// the resume protocol built on the checkpoint plus the result log.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kmorand/drover/internal/adapters"
	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/engine"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/internal/llm/gemini"
	"github.com/kmorand/drover/internal/llm/ollama"
	"github.com/kmorand/drover/internal/llm/openai"
	"github.com/kmorand/drover/internal/progress"
	"github.com/kmorand/drover/internal/prompt"
	"github.com/kmorand/drover/internal/telemetry"
	"github.com/kmorand/drover/internal/wal"
	"github.com/kmorand/drover/pkgs/utils"
)

// Params is everything needed to run one job.
type Params struct {
	JobID         string
	InputPath     string
	OutputPath    string
	Prompt        string
	CheckpointDir string

	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	MaxRetries   int

	Mode             engine.Mode
	BatchSize        int
	ParseRetries     int
	BreakerThreshold int
	CheckinInterval  int

	PostProcess bool
	Merge       bool
	IncludeRaw  bool

	OutputFormat string
	OutputSchema []string
}

// Summary is what a finished (or paused) run reports back to the operator.
type Summary struct {
	JobID        string
	Total        int
	Processed    int
	Failed       int
	ParseFailed  int
	Usage        data.Usage
	OutputPath   string
	FailuresPath string
	Paused       bool
}

// Runner carries the ambient dependencies a run needs. The zero value works;
// every field is optional.
type Runner struct {
	Logger     zerolog.Logger
	Tracer     trace.Tracer
	Metrics    *telemetry.Metrics
	Checkin    engine.CheckinFunc
	OnProgress func(processed, failed, total int)

	// Client overrides the constructed LLM client; tests use this to
	// substitute a fake.
	Client llm.Client
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer == nil {
		return noop.NewTracerProvider().Tracer("job")
	}
	return r.Tracer
}

// Run executes a fresh job.
func (r *Runner) Run(ctx context.Context, params Params) (*Summary, error) {
	adapter, err := adapters.ForPath(params.InputPath, params.OutputPath)
	if err != nil {
		return nil, err
	}

	units, err := adapter.ReadUnits(ctx)
	if err != nil {
		return nil, err
	}
	for i, unit := range units {
		units[i] = unit.WithIndex(i)
	}

	meta := metadataFor(params)
	if hash, err := hashInput(params.InputPath); err == nil {
		meta.InputSHA256 = hash
	}

	tracker, err := progress.New(params.JobID, len(units), params.CheckpointDir,
		progress.DefaultCheckpointInterval, meta)
	if err != nil {
		return nil, err
	}
	// Persist once up front so the job is resumable from the first record.
	if err := tracker.SaveCheckpoint(); err != nil {
		return nil, err
	}

	writer, err := wal.New(params.JobID, params.CheckpointDir)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	return r.drive(ctx, params, adapter, units, units, writer, tracker)
}

// drive pushes the pending units through the engine, persists every result,
// and finalizes. Shared by fresh runs and resumes; on resume pending is the
// subset of units not yet in the result log.
func (r *Runner) drive(
	ctx context.Context,
	params Params,
	adapter adapters.Adapter,
	units, pending []data.Unit,
	writer *wal.Writer,
	tracker *progress.Tracker,
) (*Summary, error) {
	client := r.Client
	if client == nil {
		built, err := buildClient(ctx, params, r.Logger)
		if err != nil {
			return nil, err
		}
		client = built
	}

	eng := engine.New(client, prompt.New(params.Prompt),
		engine.WithMode(params.Mode),
		engine.WithBatchSize(params.BatchSize),
		engine.WithPostProcessing(params.PostProcess, params.Merge, params.IncludeRaw),
		engine.WithParseRetries(params.ParseRetries),
		engine.WithBreakerThreshold(params.BreakerThreshold),
		engine.WithCheckin(params.CheckinInterval, r.Checkin),
		engine.WithLogger(r.Logger),
		engine.WithTracer(r.tracer()),
	)

	summary := &Summary{JobID: params.JobID, Total: tracker.Total}
	emit := func(result data.Result) error {
		if err := writer.Write(result); err != nil {
			return err
		}
		if usage, ok := result[data.KeyUsage].(data.Usage); ok {
			summary.Usage = summary.Usage.Add(usage)
			if r.Metrics != nil {
				r.Metrics.InputTokens.WithLabelValues(params.JobID).Add(float64(usage.InputTokens))
				r.Metrics.OutputTokens.WithLabelValues(params.JobID).Add(float64(usage.OutputTokens))
			}
		}
		if _, failed := result[data.KeyError]; failed {
			tracker.IncrementFailed()
			if r.Metrics != nil {
				r.Metrics.Failed.WithLabelValues(params.JobID).Inc()
			}
		} else if _, parseFailed := result[data.KeyParseError]; parseFailed {
			summary.ParseFailed++
		}
		if r.Metrics != nil {
			r.Metrics.Processed.WithLabelValues(params.JobID).Inc()
		}
		if err := tracker.Update(1); err != nil {
			return err
		}
		if r.OnProgress != nil {
			r.OnProgress(tracker.Processed, tracker.Failed, tracker.Total)
		}
		return nil
	}

	runErr := eng.Process(ctx, pending, emit)

	// Whatever happens next, the counters on disk should match the log.
	if err := tracker.SaveCheckpoint(); err != nil {
		return nil, err
	}

	summary.Processed = tracker.Processed
	summary.Failed = tracker.Failed

	if runErr != nil {
		if runErr == engine.ErrPaused {
			r.Logger.Info().
				Str("job_id", params.JobID).
				Int("processed", tracker.Processed).
				Msg("job paused; resume with the job id")
			summary.Paused = true
			return summary, nil
		}
		return summary, runErr
	}

	return r.finalize(ctx, params, adapter, units, writer, tracker, summary)
}

// finalize reads the deduplicated log and writes the final output and failures
// file. The result log and checkpoint are kept; Clean removes them.
func (r *Runner) finalize(
	ctx context.Context,
	params Params,
	adapter adapters.Adapter,
	units []data.Unit,
	writer *wal.Writer,
	tracker *progress.Tracker,
	summary *Summary,
) (*Summary, error) {
	results, err := writer.ReadAll()
	if err != nil {
		return summary, err
	}

	unitsByIdx := make(map[int]data.Unit, len(units))
	for _, unit := range units {
		unitsByIdx[unit.Index()] = unit
	}
	formatted := formatResults(results, params.OutputFormat, params.OutputSchema, unitsByIdx)

	if err := adapter.WriteResults(ctx, formatted); err != nil {
		return summary, err
	}
	summary.OutputPath = params.OutputPath

	failuresPath, err := writer.WriteFailuresFile(params.CheckpointDir)
	if err != nil {
		return summary, err
	}
	summary.FailuresPath = failuresPath

	r.Logger.Info().
		Str("job_id", params.JobID).
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("parse_failed", summary.ParseFailed).
		Int("input_tokens", summary.Usage.InputTokens).
		Int("output_tokens", summary.Usage.OutputTokens).
		Msg("job complete")
	return summary, nil
}

// Preview processes only the first k units and returns their results without
// touching the result log or checkpoint.
func (r *Runner) Preview(ctx context.Context, params Params, k int) ([]data.Result, error) {
	adapter, err := adapters.ForPath(params.InputPath, params.OutputPath)
	if err != nil {
		return nil, err
	}
	units, err := adapter.ReadUnits(ctx)
	if err != nil {
		return nil, err
	}
	if k < len(units) {
		units = units[:k]
	}
	for i, unit := range units {
		units[i] = unit.WithIndex(i)
	}

	client := r.Client
	if client == nil {
		built, err := buildClient(ctx, params, r.Logger)
		if err != nil {
			return nil, err
		}
		client = built
	}

	eng := engine.New(client, prompt.New(params.Prompt),
		engine.WithMode(engine.ModeSequential),
		engine.WithPostProcessing(params.PostProcess, params.Merge, params.IncludeRaw),
		engine.WithParseRetries(params.ParseRetries),
		engine.WithBreakerThreshold(params.BreakerThreshold),
		engine.WithLogger(r.Logger),
	)

	var results []data.Result
	err = eng.Process(ctx, units, func(result data.Result) error {
		results = append(results, result)
		return nil
	})
	return results, err
}

func buildClient(ctx context.Context, params Params, logger zerolog.Logger) (llm.Client, error) {
	var provider llm.Client
	var err error

	switch params.Provider {
	case "ollama":
		provider, err = ollama.New(
			ollama.WithBaseURL(params.BaseURL),
			ollama.WithModel(params.Model),
			ollama.WithTemperature(params.Temperature),
			ollama.WithMaxTokens(params.MaxTokens),
			ollama.WithSystemPrompt(params.SystemPrompt),
		)
	case "gemini":
		provider, err = gemini.New(ctx,
			gemini.WithAPIKey(params.APIKey),
			gemini.WithModel(params.Model),
			gemini.WithTemperature(params.Temperature),
			gemini.WithMaxTokens(params.MaxTokens),
			gemini.WithSystemPrompt(params.SystemPrompt),
		)
	default:
		provider, err = openai.New(
			openai.WithAPIKey(params.APIKey),
			openai.WithBaseURL(params.BaseURL),
			openai.WithModel(params.Model),
			openai.WithTemperature(params.Temperature),
			openai.WithMaxTokens(params.MaxTokens),
			openai.WithSystemPrompt(params.SystemPrompt),
		)
	}
	if err != nil {
		return nil, err
	}
	return llm.NewRetrier(provider, params.MaxRetries, logger), nil
}

func metadataFor(params Params) progress.Metadata {
	meta := progress.Metadata{
		InputFile:       params.InputPath,
		OutputFile:      params.OutputPath,
		Prompt:          params.Prompt,
		Model:           params.Model,
		Provider:        params.Provider,
		Mode:            string(params.Mode),
		BatchSize:       params.BatchSize,
		MaxTokens:       params.MaxTokens,
		NoPostProcess:   !params.PostProcess,
		NoMerge:         !params.Merge,
		IncludeRaw:      params.IncludeRaw,
		CheckinInterval: params.CheckinInterval,
		OutputFormat:    params.OutputFormat,
	}
	if params.BaseURL != "" {
		meta.BaseURL = &params.BaseURL
	}
	return meta
}

// paramsFromMetadata rebuilds Params from checkpoint metadata on resume.
// Settings the metadata does not carry (temperature, system prompt, max
// retries, output schema) are left zero, and parse retries and the breaker
// threshold take the engine defaults.
func paramsFromMetadata(jobID, checkpointDir string, meta progress.Metadata) Params {
	params := Params{
		JobID:            jobID,
		InputPath:        meta.InputFile,
		OutputPath:       meta.OutputFile,
		Prompt:           meta.Prompt,
		CheckpointDir:    checkpointDir,
		Provider:         utils.DefaultIfZero(meta.Provider, "openai"),
		Model:            meta.Model,
		Mode:             engine.Mode(meta.Mode),
		BatchSize:        meta.BatchSize,
		MaxTokens:        meta.MaxTokens,
		ParseRetries:     engine.DefaultParseRetries,
		BreakerThreshold: engine.DefaultBreakerThreshold,
		CheckinInterval:  meta.CheckinInterval,
		PostProcess:      !meta.NoPostProcess,
		Merge:            !meta.NoMerge,
		IncludeRaw:       meta.IncludeRaw,
		OutputFormat:     utils.DefaultIfZero(meta.OutputFormat, "enriched"),
	}
	if meta.BaseURL != nil {
		params.BaseURL = *meta.BaseURL
	}
	return params
}

func hashInput(path string) (string, error) {
	if strings.Contains(path, "://") {
		return "", fmt.Errorf("no stable file to hash for %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
