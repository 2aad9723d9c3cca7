package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/engine"
	"github.com/kmorand/drover/internal/job"
	"github.com/kmorand/drover/internal/llm"
	"github.com/kmorand/drover/internal/llm/llmtest"
)

func writeInput(t *testing.T, dir string, units []map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "input.jsonl")
	var lines []string
	for _, unit := range units {
		line, err := json.Marshal(unit)
		require.NoError(t, err)
		lines = append(lines, string(line))
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func readOutput(t *testing.T, path string) []map[string]any {
	t.Helper()
	payload, err := os.ReadFile(path)
	require.NoError(t, err)
	var results []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(payload)), "\n") {
		if line == "" {
			continue
		}
		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &result))
		results = append(results, result)
	}
	return results
}

func testParams(t *testing.T, dir, input string) job.Params {
	t.Helper()
	return job.Params{
		JobID:            "testjob",
		InputPath:        input,
		OutputPath:       filepath.Join(dir, "output.jsonl"),
		Prompt:           "X {t}",
		CheckpointDir:    filepath.Join(dir, "checkpoints"),
		Provider:         "openai",
		Model:            "gpt-4o-mini",
		Mode:             engine.ModeSequential,
		BatchSize:        4,
		ParseRetries:     2,
		BreakerThreshold: 5,
		PostProcess:      true,
		Merge:            true,
		OutputFormat:     "enriched",
	}
}

// echoFake answers "X <t>" prompts with {"r": "<t>"}.
func echoFake() *llmtest.Fake {
	return llmtest.New(func(p string, _ int) (string, error) {
		return fmt.Sprintf(`{"r": %q}`, strings.TrimPrefix(p, "X ")), nil
	})
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "a"}, {"t": "b"}})
	params := testParams(t, dir, input)

	runner := &job.Runner{Client: echoFake().WithUsage(2, 3)}
	summary, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.ParseFailed)
	assert.Equal(t, data.Usage{InputTokens: 4, OutputTokens: 6}, summary.Usage)
	assert.Empty(t, summary.FailuresPath)

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 2)
	assert.Equal(t, float64(0), results[0][data.KeyIndex])
	assert.Equal(t, "a", results[0]["t"])
	assert.Equal(t, "a", results[0]["r"])
	assert.Equal(t, float64(1), results[1][data.KeyIndex])
	assert.Equal(t, "b", results[1]["r"])
}

func TestRunTransientFailureIsRecorded(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "ok"}, {"t": "boom"}, {"t": "ok2"}})
	params := testParams(t, dir, input)

	fake := llmtest.New(func(p string, _ int) (string, error) {
		if strings.Contains(p, "boom") {
			return "", &llm.TransientError{Class: llm.ClassRateLimit, Err: errors.New("429")}
		}
		return `{"ok": true}`, nil
	})

	runner := &job.Runner{Client: fake}
	summary, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	require.NotEmpty(t, summary.FailuresPath)

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 3)
	assert.Contains(t, results[1][data.KeyError], llm.ClassRateLimit)

	failures := readOutput(t, summary.FailuresPath)
	require.Len(t, failures, 1)
	assert.Equal(t, float64(1), failures[0][data.KeyIndex])
}

func TestPauseAndResume(t *testing.T) {
	dir := t.TempDir()
	units := make([]map[string]any, 20)
	for i := range units {
		units[i] = map[string]any{"t": fmt.Sprintf("u%d", i)}
	}
	input := writeInput(t, dir, units)
	params := testParams(t, dir, input)
	params.CheckinInterval = 7

	pausing := &job.Runner{
		Client:  echoFake(),
		Checkin: func(processed, total int) engine.CheckinDirective { return engine.CheckinPause },
	}
	summary, err := pausing.Run(context.Background(), params)
	require.NoError(t, err)
	assert.True(t, summary.Paused)
	assert.Equal(t, 7, summary.Processed)
	_, statErr := os.Stat(params.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no final output while paused")

	// Resume processes exactly the remaining units.
	resumeFake := echoFake()
	resuming := &job.Runner{Client: resumeFake}
	summary, err = resuming.Resume(context.Background(), params.CheckpointDir, params.JobID, job.Overrides{})
	require.NoError(t, err)
	assert.False(t, summary.Paused)
	assert.Equal(t, 20, summary.Processed)
	assert.Equal(t, 13, resumeFake.TotalCalls())

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 20)
	for i, result := range results {
		assert.Equal(t, float64(i), result[data.KeyIndex])
		assert.Equal(t, fmt.Sprintf("u%d", i), result["r"])
	}
}

func TestResumeMatchesSingleRun(t *testing.T) {
	units := []map[string]any{{"t": "a"}, {"t": "b"}, {"t": "c"}, {"t": "d"}}

	// One uninterrupted run.
	oneDir := t.TempDir()
	oneParams := testParams(t, oneDir, writeInput(t, oneDir, units))
	oneRunner := &job.Runner{Client: echoFake()}
	_, err := oneRunner.Run(context.Background(), oneParams)
	require.NoError(t, err)

	// The same job paused after two records and resumed.
	twoDir := t.TempDir()
	twoParams := testParams(t, twoDir, writeInput(t, twoDir, units))
	twoParams.CheckinInterval = 2
	paused := &job.Runner{
		Client:  echoFake(),
		Checkin: func(processed, total int) engine.CheckinDirective { return engine.CheckinPause },
	}
	summary, err := paused.Run(context.Background(), twoParams)
	require.NoError(t, err)
	require.True(t, summary.Paused)

	resumed := &job.Runner{Client: echoFake()}
	_, err = resumed.Resume(context.Background(), twoParams.CheckpointDir, twoParams.JobID, job.Overrides{})
	require.NoError(t, err)

	assert.Equal(t, readOutput(t, oneParams.OutputPath), readOutput(t, twoParams.OutputPath))
}

func TestResumeRetryFailures(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "ok"}, {"t": "flaky"}, {"t": "ok2"}})
	params := testParams(t, dir, input)

	failing := llmtest.New(func(p string, _ int) (string, error) {
		if strings.Contains(p, "flaky") {
			return "", &llm.TransientError{Class: llm.ClassTimeout, Err: errors.New("timeout")}
		}
		return `{"ok": true}`, nil
	})
	runner := &job.Runner{Client: failing}
	summary, err := runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	// Retry only the failed index; this time the call succeeds.
	retryFake := echoFake()
	retrier := &job.Runner{Client: retryFake}
	summary, err = retrier.Resume(context.Background(), params.CheckpointDir, params.JobID,
		job.Overrides{RetryFailures: true})
	require.NoError(t, err)
	assert.Equal(t, 1, retryFake.TotalCalls())
	assert.Zero(t, summary.Failed)

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 3)
	assert.Equal(t, "flaky", results[1]["r"])
	assert.NotContains(t, results[1], data.KeyError)
}

func TestResumeRefusesChangedInput(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "a"}, {"t": "b"}, {"t": "c"}})
	params := testParams(t, dir, input)
	params.CheckinInterval = 1

	runner := &job.Runner{
		Client:  echoFake(),
		Checkin: func(processed, total int) engine.CheckinDirective { return engine.CheckinPause },
	}
	summary, err := runner.Run(context.Background(), params)
	require.NoError(t, err)
	require.True(t, summary.Paused)

	// Rewrite the input; the enumeration would no longer match.
	require.NoError(t, os.WriteFile(input, []byte(`{"t": "different"}`+"\n"), 0o644))

	_, err = runner.Resume(context.Background(), params.CheckpointDir, params.JobID, job.Overrides{})
	require.ErrorIs(t, err, job.ErrInputChanged)
}

func TestRunConcurrentMode(t *testing.T) {
	dir := t.TempDir()
	units := make([]map[string]any, 15)
	for i := range units {
		units[i] = map[string]any{"t": fmt.Sprintf("u%d", i)}
	}
	params := testParams(t, dir, writeInput(t, dir, units))
	params.Mode = engine.ModeConcurrent

	runner := &job.Runner{Client: echoFake()}
	summary, err := runner.Run(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 15, summary.Processed)

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 15)
	for i, result := range results {
		assert.Equal(t, float64(i), result[data.KeyIndex], "output must be ordered by index")
	}
}

func TestRunBreakerTrip(t *testing.T) {
	dir := t.TempDir()
	units := make([]map[string]any, 10)
	for i := range units {
		units[i] = map[string]any{"t": fmt.Sprintf("u%d", i)}
	}
	params := testParams(t, dir, writeInput(t, dir, units))
	params.BreakerThreshold = 3

	fatal := &llm.FatalError{Class: llm.ClassAuthentication, Err: errors.New("401")}
	runner := &job.Runner{Client: llmtest.AlwaysErr(fatal)}
	summary, err := runner.Run(context.Background(), params)

	var tripped *engine.TrippedError
	require.ErrorAs(t, err, &tripped)
	assert.Equal(t, 3, summary.Processed)
	_, statErr := os.Stat(params.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "no final output after a trip")
}

func TestPreview(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "a"}, {"t": "b"}, {"t": "c"}})
	params := testParams(t, dir, input)

	runner := &job.Runner{Client: echoFake()}
	results, err := runner.Preview(context.Background(), params, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0]["r"])

	_, statErr := os.Stat(params.CheckpointDir)
	assert.True(t, os.IsNotExist(statErr), "preview leaves no checkpoint dir")
}

func TestCleanRemovesJobFiles(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "a"}})
	params := testParams(t, dir, input)

	runner := &job.Runner{Client: echoFake()}
	_, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	require.NoError(t, job.Clean(params.CheckpointDir, params.JobID))
	entries, err := os.ReadDir(params.CheckpointDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunSeparateOutputFormat(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, dir, []map[string]any{{"t": "a", "keepme": "x"}})
	params := testParams(t, dir, input)
	params.OutputFormat = "separate"

	runner := &job.Runner{Client: echoFake()}
	_, err := runner.Run(context.Background(), params)
	require.NoError(t, err)

	results := readOutput(t, params.OutputPath)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0]["r"])
	assert.Contains(t, results[0], data.KeyIndex)
	assert.NotContains(t, results[0], "keepme", "input fields are excluded in separate mode")
}
