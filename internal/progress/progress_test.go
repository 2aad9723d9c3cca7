package progress_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmorand/drover/internal/progress"
)

func TestUpdatePersistsOnInterval(t *testing.T) {
	dir := t.TempDir()
	tracker, err := progress.New("job1", 10, dir, 3, progress.Metadata{})
	require.NoError(t, err)

	require.NoError(t, tracker.Update(1))
	require.NoError(t, tracker.Update(1))
	_, statErr := os.Stat(tracker.Path())
	assert.True(t, os.IsNotExist(statErr), "no checkpoint before the interval")

	require.NoError(t, tracker.Update(1))
	_, statErr = os.Stat(tracker.Path())
	assert.NoError(t, statErr, "checkpoint written at the interval")
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	dir := t.TempDir()
	baseURL := "https://openrouter.ai/api/v1"
	meta := progress.Metadata{
		InputFile:  "in.csv",
		OutputFile: "out.csv",
		Prompt:     "X {t}",
		Model:      "gpt-4o-mini",
		Mode:       "concurrent",
		BatchSize:  4,
		MaxTokens:  1500,
		BaseURL:    &baseURL,
	}

	tracker, err := progress.New("job2", 50, dir, 10, meta)
	require.NoError(t, err)
	require.NoError(t, tracker.Update(20))
	tracker.IncrementFailed()
	require.NoError(t, tracker.SaveCheckpoint())

	loaded, err := progress.LoadCheckpoint(dir, "job2")
	require.NoError(t, err)
	assert.Equal(t, "job2", loaded.JobID)
	assert.Equal(t, 50, loaded.Total)
	assert.Equal(t, 20, loaded.Processed)
	assert.Equal(t, 1, loaded.Failed)
	assert.Equal(t, meta, loaded.Metadata)
	assert.InDelta(t, 40.0, loaded.Percentage(), 0.01)
}

func TestCheckpointFileShape(t *testing.T) {
	dir := t.TempDir()
	tracker, err := progress.New("job3", 5, dir, 10, progress.Metadata{InputFile: "a.jsonl"})
	require.NoError(t, err)
	require.NoError(t, tracker.SaveCheckpoint())

	payload, err := os.ReadFile(tracker.Path())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "job3", decoded["job_id"])
	assert.Equal(t, float64(5), decoded["total"])
	metadata, ok := decoded["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a.jsonl", metadata["input_file"])
}

func TestSaveCheckpointLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	tracker, err := progress.New("job4", 5, dir, 10, progress.Metadata{})
	require.NoError(t, err)
	require.NoError(t, tracker.SaveCheckpoint())
	require.NoError(t, tracker.SaveCheckpoint())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".progress_job4.json", entries[0].Name())
}

func TestLoadCheckpointMissing(t *testing.T) {
	_, err := progress.LoadCheckpoint(t.TempDir(), "absent")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	tracker, err := progress.New("job5", 5, dir, 10, progress.Metadata{})
	require.NoError(t, err)
	require.NoError(t, tracker.SaveCheckpoint())

	require.NoError(t, tracker.Remove())
	_, statErr := os.Stat(tracker.Path())
	assert.True(t, os.IsNotExist(statErr))
	// Removing twice is fine.
	require.NoError(t, tracker.Remove())
}
