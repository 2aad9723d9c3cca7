package job

import (
	"github.com/kmorand/drover/internal/progress"
	"github.com/kmorand/drover/internal/wal"
)

// Clean removes a job's result log and checkpoint. After cleaning, the job is
// no longer resumable and its failures can no longer be retried.
func Clean(checkpointDir, jobID string) error {
	writer, err := wal.New(jobID, checkpointDir)
	if err != nil {
		return err
	}
	if err := writer.Remove(); err != nil {
		return err
	}

	tracker, err := progress.New(jobID, 0, checkpointDir, 0, progress.Metadata{})
	if err != nil {
		return err
	}
	return tracker.Remove()
}
