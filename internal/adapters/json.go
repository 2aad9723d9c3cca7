package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kmorand/drover/internal/data"
)

// JSON reads a file holding either a top-level array of objects or one
// object. Output is always an array.
type JSON struct {
	inputPath  string
	outputPath string
	format     string
}

func NewJSON(inputPath, outputPath string) *JSON {
	return &JSON{inputPath: inputPath, outputPath: outputPath}
}

func (a *JSON) ReadUnits(ctx context.Context) ([]data.Unit, error) {
	payload, err := os.ReadFile(a.inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read JSON input: %w", err)
	}

	var asList []data.Unit
	if err := json.Unmarshal(payload, &asList); err == nil {
		a.format = "array"
		return asList, nil
	}

	var asObject data.Unit
	if err := json.Unmarshal(payload, &asObject); err == nil {
		a.format = "object"
		return []data.Unit{asObject}, nil
	}

	return nil, fmt.Errorf("unsupported JSON input: expected array or object")
}

func (a *JSON) WriteResults(ctx context.Context, results []data.Result) error {
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	if err := os.WriteFile(a.outputPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

func (a *JSON) Schema(ctx context.Context) (data.Schema, error) {
	if a.format == "" {
		if _, err := a.ReadUnits(ctx); err != nil {
			return nil, err
		}
	}
	return data.Schema{"type": "json", "format": a.format}, nil
}
