// Package adapters gives every supported input format the same shape: a
// finite list of string-keyed units in, an ordered list of results out.
// Selection is by URI scheme or file extension.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kmorand/drover/internal/data"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

// Adapter reads units from one source and writes the assembled results back
// out. Implementations own their file handles, scoped to a single call.
type Adapter interface {
	// ReadUnits reads the entire input. Each unit is a string-keyed row;
	// index assignment is the caller's job.
	ReadUnits(ctx context.Context) ([]data.Unit, error)

	// WriteResults writes the in-memory ordered result list.
	WriteResults(ctx context.Context, results []data.Result) error

	// Schema returns descriptive metadata about the source. The pipeline
	// never depends on it.
	Schema(ctx context.Context) (data.Schema, error)
}

// ForPath selects an adapter by URI scheme or file extension.
func ForPath(inputPath, outputPath string) (Adapter, error) {
	if strings.HasPrefix(inputPath, "postgres://") || strings.HasPrefix(inputPath, "postgresql://") {
		return NewPostgres(inputPath, outputPath)
	}

	switch ext := strings.ToLower(filepath.Ext(inputPath)); ext {
	case ".csv":
		return NewCSV(inputPath, outputPath), nil
	case ".json":
		return NewJSON(inputPath, outputPath), nil
	case ".jsonl":
		return NewJSONL(inputPath, outputPath), nil
	case ".txt":
		return NewText(inputPath, outputPath), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}
