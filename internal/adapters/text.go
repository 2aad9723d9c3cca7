package adapters

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/kmorand/drover/internal/data"
)

// Text reads plain text line by line, exposing each line as
// {line_number, content}. Output writes one line per result: the model text
// when present, the original content otherwise.
type Text struct {
	inputPath  string
	outputPath string
}

func NewText(inputPath, outputPath string) *Text {
	return &Text{inputPath: inputPath, outputPath: outputPath}
}

func (a *Text) ReadUnits(ctx context.Context) ([]data.Unit, error) {
	file, err := os.Open(a.inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open text input: %w", err)
	}
	defer file.Close()

	var units []data.Unit
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		units = append(units, data.Unit{
			"line_number": lineNumber,
			"content":     scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read text input: %w", err)
	}
	return units, nil
}

func (a *Text) WriteResults(ctx context.Context, results []data.Result) error {
	file, err := os.Create(a.outputPath)
	if err != nil {
		return fmt.Errorf("failed to create text output: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, result := range results {
		line, ok := result[data.KeyResult]
		if !ok {
			line = result["content"]
		}
		if _, err := fmt.Fprintln(writer, data.Stringify(line)); err != nil {
			return fmt.Errorf("failed to write text line: %w", err)
		}
	}
	return writer.Flush()
}

func (a *Text) Schema(ctx context.Context) (data.Schema, error) {
	return data.Schema{"type": "text"}, nil
}
