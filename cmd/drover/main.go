// drover — batch LLM processing CLI.
// Feeds every row of an input file through a chat-completion endpoint and
// writes the structured results back out in the same shape. Jobs checkpoint
// as they go and can be resumed after a crash or an operator pause.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/kmorand/drover/internal/config"
	"github.com/kmorand/drover/internal/engine"
	"github.com/kmorand/drover/internal/job"
	"github.com/kmorand/drover/internal/telemetry"
	"github.com/kmorand/drover/pkgs/utils"
)

// version is set by ldflags at build time.
var version = "dev"

const defaultCheckpointDir = ".drover"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drover",
		Short:         "Batch LLM processing over delimited, JSON, text, and relational inputs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(processCmd(), resumeCmd(), cleanCmd())
	return root
}

func cleanCmd() *cobra.Command {
	var checkpointDir string

	cmd := &cobra.Command{
		Use:   "clean <job_id>",
		Short: "Remove a job's result log and checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return job.Clean(checkpointDir, args[0])
		},
	}
	cmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", defaultCheckpointDir,
		"directory holding the result log and checkpoint")
	return cmd
}

type processFlags struct {
	configPath    string
	prompt        string
	provider      string
	model         string
	apiKey        string
	baseURL       string
	mode          string
	batchSize     int
	maxTokens     int
	noPostProcess bool
	noMerge       bool
	includeRaw    bool
	preview       int
	checkin       int
	parseRetries  int
	breaker       int
	// parseRetriesSet and breakerSet record whether the flags were given,
	// so config file values apply otherwise.
	parseRetriesSet bool
	breakerSet      bool
	outputFormat    string
	outputSchema    []string
	jobID           string
	checkpointDir   string
	metricsAddr     string
	otelEndpoint    string
	verbose         bool
}

func processCmd() *cobra.Command {
	flags := &processFlags{}

	cmd := &cobra.Command{
		Use:   "process <input> <output>",
		Short: "Process every record of <input> through the LLM and write <output>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.parseRetriesSet = cmd.Flags().Changed("parse-retries")
			flags.breakerSet = cmd.Flags().Changed("breaker-threshold")
			return runProcess(cmd.Context(), args[0], args[1], flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to a YAML job config")
	f.StringVar(&flags.prompt, "prompt", "", "prompt template with {field} placeholders")
	f.StringVar(&flags.provider, "provider", "", "LLM provider (openai, ollama, gemini)")
	f.StringVar(&flags.model, "model", "", "model identifier")
	f.StringVar(&flags.apiKey, "api-key", "", "API key (defaults to OPENAI_API_KEY, or GEMINI_API_KEY for gemini)")
	f.StringVar(&flags.baseURL, "base-url", "", "override the provider base URL")
	f.StringVar(&flags.mode, "mode", "", "processing mode (sequential, concurrent)")
	f.IntVar(&flags.batchSize, "batch-size", 0, "in-flight LLM calls in concurrent mode")
	f.IntVar(&flags.maxTokens, "max-tokens", 0, "max output tokens per call")
	f.BoolVar(&flags.noPostProcess, "no-post-process", false, "skip JSON extraction")
	f.BoolVar(&flags.noMerge, "no-merge", false, "nest parsed fields under 'parsed' instead of merging")
	f.BoolVar(&flags.includeRaw, "include-raw", false, "keep the raw model text in results")
	f.IntVar(&flags.preview, "preview", 0, "process only the first K records and print them")
	f.IntVar(&flags.checkin, "checkin-interval", 0, "pause for operator input every N records (sequential mode)")
	f.IntVar(&flags.parseRetries, "parse-retries", config.DefaultParseRetries, "fresh calls after a parse failure")
	f.IntVar(&flags.breaker, "breaker-threshold", config.DefaultBreakerThreshold, "consecutive fatal failures before halting (0 disables)")
	f.StringVar(&flags.outputFormat, "output-format", "", "output shape (enriched, separate)")
	f.StringSliceVar(&flags.outputSchema, "output-schema", nil, "restrict output to the named extracted fields")
	f.StringVar(&flags.jobID, "job-id", "", "job identifier (defaults to a random id)")
	f.StringVar(&flags.checkpointDir, "checkpoint-dir", defaultCheckpointDir, "directory for the result log and checkpoint")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.StringVar(&flags.otelEndpoint, "otel-endpoint", "", "OTLP gRPC collector endpoint for traces")
	f.BoolVar(&flags.verbose, "verbose", false, "debug logging")

	return cmd
}

func runProcess(ctx context.Context, input, output string, flags *processFlags) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(flags.verbose)

	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// CLI flags override config values.
	cfg.Prompt = utils.DefaultIfZero(flags.prompt, cfg.Prompt)
	cfg.LLM.Provider = utils.DefaultIfZero(flags.provider, cfg.LLM.Provider)
	cfg.LLM.Model = utils.DefaultIfZero(flags.model, cfg.LLM.Model)
	cfg.LLM.APIKey = utils.DefaultIfZero(flags.apiKey, cfg.LLM.APIKey)
	cfg.LLM.BaseURL = utils.DefaultIfZero(flags.baseURL, cfg.LLM.BaseURL)
	cfg.LLM.MaxTokens = utils.DefaultIfZero(flags.maxTokens, cfg.LLM.MaxTokens)
	cfg.Processing.Mode = utils.DefaultIfZero(flags.mode, cfg.Processing.Mode)
	cfg.Processing.BatchSize = utils.DefaultIfZero(flags.batchSize, cfg.Processing.BatchSize)
	cfg.Processing.CheckinInterval = utils.DefaultIfZero(flags.checkin, cfg.Processing.CheckinInterval)
	cfg.Output.Format = utils.DefaultIfZero(flags.outputFormat, cfg.Output.Format)
	if len(flags.outputSchema) > 0 {
		cfg.Output.Schema = flags.outputSchema
	}
	cfg.Output.NoPostProcess = cfg.Output.NoPostProcess || flags.noPostProcess
	cfg.Output.NoMerge = cfg.Output.NoMerge || flags.noMerge
	cfg.Output.IncludeRaw = cfg.Output.IncludeRaw || flags.includeRaw
	if flags.parseRetriesSet {
		cfg.Processing.ParseRetries = flags.parseRetries
	}
	if flags.breakerSet {
		cfg.Processing.BreakerThreshold = flags.breaker
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	jobID := utils.DefaultIfZero(flags.jobID, uuid.NewString())
	params := job.Params{
		JobID:            jobID,
		InputPath:        input,
		OutputPath:       output,
		Prompt:           cfg.Prompt,
		CheckpointDir:    flags.checkpointDir,
		Provider:         cfg.LLM.Provider,
		Model:            cfg.LLM.Model,
		APIKey:           cfg.APIKey(),
		BaseURL:          cfg.ResolveBaseURL(),
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		SystemPrompt:     cfg.LLM.SystemPrompt,
		MaxRetries:       cfg.Processing.MaxRetries,
		Mode:             engine.Mode(cfg.Processing.Mode),
		BatchSize:        cfg.Processing.BatchSize,
		ParseRetries:     cfg.Processing.ParseRetries,
		BreakerThreshold: cfg.Processing.BreakerThreshold,
		CheckinInterval:  cfg.Processing.CheckinInterval,
		PostProcess:      !cfg.Output.NoPostProcess,
		Merge:            !cfg.Output.NoMerge,
		IncludeRaw:       cfg.Output.IncludeRaw,
		OutputFormat:     cfg.Output.Format,
		OutputSchema:     cfg.Output.Schema,
	}

	runner := &job.Runner{
		Logger:     logger,
		Checkin:    stdinCheckin,
		OnProgress: renderProgress,
	}

	if flags.otelEndpoint != "" {
		shutdown, err := telemetry.InitTraceProvider(ctx, flags.otelEndpoint, logger)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		runner.Tracer = otel.Tracer("drover")
	}
	if flags.metricsAddr != "" {
		metrics, registry := telemetry.NewMetrics()
		runner.Metrics = metrics
		go telemetry.ServeMetrics(flags.metricsAddr, registry, logger)
	}

	if flags.preview > 0 {
		results, err := runner.Preview(ctx, params, flags.preview)
		if err != nil {
			return err
		}
		for _, result := range results {
			line, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(line))
		}
		return nil
	}

	logger.Info().
		Str("job_id", jobID).
		Str("input", input).
		Str("output", output).
		Str("provider", params.Provider).
		Str("model", params.Model).
		Str("api_key", utils.Mask(params.APIKey)).
		Str("mode", string(params.Mode)).
		Msg("starting job")

	summary, err := runner.Run(ctx, params)
	return report(summary, err)
}

func resumeCmd() *cobra.Command {
	var (
		apiKey        string
		baseURL       string
		checkin       int
		checkpointDir string
		retryFailures bool
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "resume <job_id>",
		Short: "Resume a checkpointed job, skipping already-completed records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := &job.Runner{
				Logger:     newLogger(verbose),
				Checkin:    stdinCheckin,
				OnProgress: renderProgress,
			}
			summary, err := runner.Resume(ctx, checkpointDir, args[0], job.Overrides{
				APIKey:          apiKey,
				BaseURL:         baseURL,
				CheckinInterval: checkin,
				RetryFailures:   retryFailures,
			})
			return report(summary, err)
		},
	}

	f := cmd.Flags()
	f.StringVar(&apiKey, "api-key", "", "API key (defaults to OPENAI_API_KEY, or GEMINI_API_KEY for gemini jobs)")
	f.StringVar(&baseURL, "base-url", "", "override the provider base URL")
	f.IntVar(&checkin, "checkin-interval", 0, "pause for operator input every N records")
	f.StringVar(&checkpointDir, "checkpoint-dir", defaultCheckpointDir, "directory holding the result log and checkpoint")
	f.BoolVar(&retryFailures, "retry-failures", false, "reprocess failed records instead of missing ones")
	f.BoolVar(&verbose, "verbose", false, "debug logging")

	return cmd
}

func report(summary *job.Summary, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	if summary.Paused {
		fmt.Printf("Paused after %d/%d records. Resume with: drover resume %s\n",
			summary.Processed, summary.Total, summary.JobID)
		return nil
	}
	fmt.Printf("Processed %d records (%d failed, %d parse failures)\n",
		summary.Processed, summary.Failed, summary.ParseFailed)
	fmt.Printf("Token usage: %d in / %d out\n",
		summary.Usage.InputTokens, summary.Usage.OutputTokens)
	fmt.Printf("Output written to %s\n", summary.OutputPath)
	if summary.FailuresPath != "" {
		fmt.Printf("Failures written to %s\n", summary.FailuresPath)
	}
	return nil
}

func newLogger(verbose bool) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
	return logger.Level(utils.IfElse(verbose, zerolog.DebugLevel, zerolog.InfoLevel))
}

func renderProgress(processed, failed, total int) {
	if total == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%d/%d processed (%d failed)", processed, total, failed)
}

// stdinCheckin asks the operator how to proceed at a check-in point.
func stdinCheckin(processed, total int) engine.CheckinDirective {
	fmt.Fprintf(os.Stderr, "\n%d/%d processed. [c]ontinue, [p]ause, continue [s]ilently? ", processed, total)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return engine.CheckinContinue
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "p", "pause":
		return engine.CheckinPause
	case "s", "silent":
		return engine.CheckinSilent
	default:
		return engine.CheckinContinue
	}
}
