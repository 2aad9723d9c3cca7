package adapters

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kmorand/drover/internal/data"
)

// JSONL reads and writes line-delimited JSON, one object per line.
type JSONL struct {
	inputPath  string
	outputPath string
}

func NewJSONL(inputPath, outputPath string) *JSONL {
	return &JSONL{inputPath: inputPath, outputPath: outputPath}
}

func (a *JSONL) ReadUnits(ctx context.Context) ([]data.Unit, error) {
	file, err := os.Open(a.inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL input: %w", err)
	}
	defer file.Close()

	var units []data.Unit
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var unit data.Unit
		if err := json.Unmarshal(line, &unit); err != nil {
			return nil, fmt.Errorf("failed to parse JSONL line: %w", err)
		}
		units = append(units, unit)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL input: %w", err)
	}
	return units, nil
}

func (a *JSONL) WriteResults(ctx context.Context, results []data.Result) error {
	file, err := os.Create(a.outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JSONL output: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, result := range results {
		line, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write JSONL line: %w", err)
		}
	}
	return writer.Flush()
}

func (a *JSONL) Schema(ctx context.Context) (data.Schema, error) {
	return data.Schema{"type": "jsonl"}, nil
}
