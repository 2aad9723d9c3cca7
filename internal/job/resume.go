package job

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/kmorand/drover/internal/adapters"
	"github.com/kmorand/drover/internal/config"
	"github.com/kmorand/drover/internal/data"
	"github.com/kmorand/drover/internal/progress"
	"github.com/kmorand/drover/internal/wal"
)

// ErrInputChanged means the input no longer matches the hash taken when the
// checkpoint was written; resuming would assign indices to different rows.
var ErrInputChanged = errors.New("input file changed since checkpoint was written")

// Overrides are the few settings a resume may replace; everything else comes
// from the checkpoint metadata.
type Overrides struct {
	APIKey          string
	BaseURL         string
	CheckinInterval int
	// RetryFailures reprocesses the failed indices instead of the
	// not-yet-completed ones. Fresh results append under the same index and
	// win on read.
	RetryFailures bool
}

// Resume rehydrates a job from its checkpoint and result log and drives the
// remaining units through the same streaming loop as the initial run.
func (r *Runner) Resume(ctx context.Context, checkpointDir, jobID string, overrides Overrides) (*Summary, error) {
	tracker, err := progress.LoadCheckpoint(checkpointDir, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s is not resumable: %w", jobID, err)
	}

	params := paramsFromMetadata(jobID, checkpointDir, tracker.Metadata)
	if overrides.APIKey != "" {
		params.APIKey = overrides.APIKey
	} else {
		env := config.EnvOpenAIAPIKey
		if params.Provider == "gemini" {
			env = config.EnvGeminiAPIKey
		}
		params.APIKey = os.Getenv(env)
	}
	if overrides.BaseURL != "" {
		params.BaseURL = overrides.BaseURL
	}
	if overrides.CheckinInterval > 0 {
		params.CheckinInterval = overrides.CheckinInterval
	}

	// Re-enumeration only makes sense against the same bytes the indices
	// were assigned over.
	if tracker.Metadata.InputSHA256 != "" {
		hash, err := hashInput(params.InputPath)
		if err != nil {
			return nil, err
		}
		if hash != tracker.Metadata.InputSHA256 {
			return nil, fmt.Errorf("%w: %s", ErrInputChanged, params.InputPath)
		}
	}

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
	tracker.Total = len(units)

	writer, err := wal.New(jobID, checkpointDir)
	if err != nil {
		return nil, err
	}
	defer writer.Close()

	var pending []data.Unit
	if overrides.RetryFailures {
		pending, err = failedUnits(writer, units)
	} else {
		pending, err = remainingUnits(writer, units)
	}
	if err != nil {
		return nil, err
	}

	// Rebase the counters on what the log actually holds, so a resumed run's
	// checkpoint stays consistent with the pending set.
	pendingIdx := make(map[int]bool, len(pending))
	for _, unit := range pending {
		pendingIdx[unit.Index()] = true
	}
	tracker.Processed = len(units) - len(pending)
	failures, err := writer.Failures()
	if err != nil {
		return nil, err
	}
	tracker.Failed = 0
	for _, failure := range failures {
		if _, hasErr := failure[data.KeyError]; hasErr && !pendingIdx[failure.Index()] {
			tracker.Failed++
		}
	}

	r.Logger.Info().
		Str("job_id", jobID).
		Int("total", len(units)).
		Int("pending", len(pending)).
		Bool("retry_failures", overrides.RetryFailures).
		Msg("resuming job")

	return r.drive(ctx, params, adapter, units, pending, writer, tracker)
}

// remainingUnits filters to units whose index is absent from the result log.
func remainingUnits(writer *wal.Writer, units []data.Unit) ([]data.Unit, error) {
	completed, err := writer.CompletedIndices()
	if err != nil {
		return nil, err
	}
	var pending []data.Unit
	for _, unit := range units {
		if !completed[unit.Index()] {
			pending = append(pending, unit)
		}
	}
	return pending, nil
}

// failedUnits filters to units whose latest logged result is a failure.
func failedUnits(writer *wal.Writer, units []data.Unit) ([]data.Unit, error) {
	failures, err := writer.Failures()
	if err != nil {
		return nil, err
	}
	failed := make(map[int]bool, len(failures))
	for _, failure := range failures {
		if idx := failure.Index(); idx >= 0 {
			failed[idx] = true
		}
	}
	var pending []data.Unit
	for _, unit := range units {
		if failed[unit.Index()] {
			pending = append(pending, unit)
		}
	}
	return pending, nil
}
