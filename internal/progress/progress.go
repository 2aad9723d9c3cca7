// Package progress counts processed and failed units and persists a small
// checkpoint file often enough that a killed job can be resumed. The
// checkpoint carries the engine configuration needed to rebuild the job.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultCheckpointInterval is how many processed units pass between persists.
const DefaultCheckpointInterval = 100

// Metadata is the engine configuration stored alongside the counters. Its
// presence in the checkpoint is what makes a job resumable without the
// original command line.
type Metadata struct {
	InputFile       string  `json:"input_file"`
	OutputFile      string  `json:"output_file"`
	Prompt          string  `json:"prompt"`
	Model           string  `json:"model"`
	Provider        string  `json:"provider,omitempty"`
	Mode            string  `json:"mode"`
	BatchSize       int     `json:"batch_size"`
	MaxTokens       int     `json:"max_tokens"`
	NoPostProcess   bool    `json:"no_post_process"`
	NoMerge         bool    `json:"no_merge"`
	IncludeRaw      bool    `json:"include_raw"`
	CheckinInterval int     `json:"checkin_interval,omitempty"`
	BaseURL         *string `json:"base_url"`
	OutputFormat    string  `json:"output_format,omitempty"`
	InputSHA256     string  `json:"input_sha256,omitempty"`
}

// Tracker accumulates counts for one job. It is single-consumer: the job
// runner drives it from the goroutine that consumes engine results.
type Tracker struct {
	JobID     string   `json:"job_id"`
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Metadata  Metadata `json:"metadata"`

	dir      string
	interval int
}

// New creates a tracker for a fresh job. interval <= 0 falls back to the
// default.
func New(jobID string, total int, dir string, interval int, meta Metadata) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Tracker{
		JobID:    jobID,
		Total:    total,
		Metadata: meta,
		dir:      dir,
		interval: interval,
	}, nil
}

// Update adds n to the processed count and persists the checkpoint whenever
// the new count lands on a multiple of the interval.
func (t *Tracker) Update(n int) error {
	t.Processed += n
	if t.Processed%t.interval == 0 {
		return t.SaveCheckpoint()
	}
	return nil
}

// IncrementFailed adds one to the failed count.
func (t *Tracker) IncrementFailed() {
	t.Failed++
}

// Percentage reports completion as 0..100.
func (t *Tracker) Percentage() float64 {
	if t.Total == 0 {
		return 0
	}
	return float64(t.Processed) / float64(t.Total) * 100
}

// Path returns the checkpoint file location for this tracker.
func (t *Tracker) Path() string {
	return CheckpointPath(t.dir, t.JobID)
}

// CheckpointPath returns <dir>/.progress_<job_id>.json.
func CheckpointPath(dir, jobID string) string {
	return filepath.Join(dir, fmt.Sprintf(".progress_%s.json", jobID))
}

// SaveCheckpoint writes the checkpoint atomically: marshal to a temp file in
// the same directory, then rename over the target.
func (t *Tracker) SaveCheckpoint() error {
	payload, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(t.dir, ".progress_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint rehydrates a tracker from <dir>/.progress_<job_id>.json.
func LoadCheckpoint(dir, jobID string) (*Tracker, error) {
	payload, err := os.ReadFile(CheckpointPath(dir, jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	tracker := &Tracker{dir: dir, interval: DefaultCheckpointInterval}
	if err := json.Unmarshal(payload, tracker); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return tracker, nil
}

// Remove deletes the checkpoint file; without it the job is no longer
// resumable.
func (t *Tracker) Remove() error {
	err := os.Remove(t.Path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
