// Package wal owns the per-job append-only result log. Every result is
// appended as one JSON line the moment it is produced, so a crash loses at
// most the record being written. Reads deduplicate by index with latest-wins
// semantics, which is also how failed items get retried: a new line under the
// same index supersedes the old one.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kmorand/drover/internal/data"
)

// Writer appends results for one job to <dir>/.results_<job_id>.jsonl.
type Writer struct {
	jobID string
	dir   string
	path  string
	file  *os.File
}

// New creates the checkpoint directory if needed and opens the log for
// appending.
func New(jobID, dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf(".results_%s.jsonl", jobID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}

	return &Writer{jobID: jobID, dir: dir, path: path, file: file}, nil
}

// Path returns the log file location.
func (w *Writer) Path() string { return w.path }

// Close releases the underlying file handle.
func (w *Writer) Close() error { return w.file.Close() }

// Write appends exactly one JSON line. The write is unbuffered; once it
// returns, the result is durable against process death.
func (w *Writer) Write(result data.Result) error {
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

// CompletedIndices scans the log and returns every index seen. Torn or
// malformed lines are skipped; they are partial writes from a crash.
func (w *Writer) CompletedIndices() (map[int]bool, error) {
	completed := map[int]bool{}
	err := w.scan(func(r data.Result) {
		if idx := r.Index(); idx >= 0 {
			completed[idx] = true
		}
	})
	return completed, err
}

// ReadAll returns the latest result per index, sorted by index ascending.
// Results without an index follow the indexed ones in arrival order.
func (w *Writer) ReadAll() ([]data.Result, error) {
	latest := map[int]data.Result{}
	var unindexed []data.Result
	err := w.scan(func(r data.Result) {
		if idx := r.Index(); idx >= 0 {
			latest[idx] = r
		} else {
			unindexed = append(unindexed, r)
		}
	})
	if err != nil {
		return nil, err
	}

	results := make([]data.Result, 0, len(latest)+len(unindexed))
	for _, r := range latest {
		results = append(results, r)
	}
	data.SortByIndex(results)
	return append(results, unindexed...), nil
}

// Failures returns results whose latest occurrence is a terminal failure,
// sorted by index.
func (w *Writer) Failures() ([]data.Result, error) {
	all, err := w.ReadAll()
	if err != nil {
		return nil, err
	}
	var failures []data.Result
	for _, r := range all {
		if r.Failed() {
			failures = append(failures, r)
		}
	}
	return failures, nil
}

// Count returns the number of distinct completed indices.
func (w *Writer) Count() (int, error) {
	completed, err := w.CompletedIndices()
	return len(completed), err
}

// WriteFailuresFile writes the failures to <outDir>/failures_<job_id>.jsonl
// and returns its path, or "" when there are none.
func (w *Writer) WriteFailuresFile(outDir string) (string, error) {
	failures, err := w.Failures()
	if err != nil {
		return "", err
	}
	if len(failures) == 0 {
		return "", nil
	}

	if outDir == "" {
		outDir = w.dir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create failures dir: %w", err)
	}

	path := filepath.Join(outDir, fmt.Sprintf("failures_%s.jsonl", w.jobID))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create failures file: %w", err)
	}
	defer out.Close()

	for _, failure := range failures {
		line, err := json.Marshal(failure)
		if err != nil {
			return "", fmt.Errorf("failed to marshal failure: %w", err)
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			return "", fmt.Errorf("failed to write failure: %w", err)
		}
	}
	return path, nil
}

// Remove closes and deletes the log file. The job's clean step calls it; the
// log is kept after the final output is written.
func (w *Writer) Remove() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

func (w *Writer) scan(visit func(data.Result)) error {
	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open result log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var result data.Result
		if err := json.Unmarshal(line, &result); err != nil {
			continue
		}
		visit(result)
	}
	return scanner.Err()
}
