package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/kmorand/drover/internal/data"
)

// CSV reads delimited files with a header row. Output keeps only the input
// columns; extracted fields ride along in the result log, not the CSV.
type CSV struct {
	inputPath  string
	outputPath string
	columns    []string
}

func NewCSV(inputPath, outputPath string) *CSV {
	return &CSV{inputPath: inputPath, outputPath: outputPath}
}

func (a *CSV) ReadUnits(ctx context.Context) ([]data.Unit, error) {
	file, err := os.Open(a.inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV input: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV input: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	a.columns = rows[0]
	units := make([]data.Unit, 0, len(rows)-1)
	for _, row := range rows[1:] {
		unit := make(data.Unit, len(a.columns))
		for i, col := range a.columns {
			if i < len(row) {
				unit[col] = row[i]
			} else {
				unit[col] = ""
			}
		}
		units = append(units, unit)
	}
	return units, nil
}

func (a *CSV) WriteResults(ctx context.Context, results []data.Result) error {
	if len(results) == 0 {
		return nil
	}
	if len(a.columns) == 0 {
		if _, err := a.Schema(ctx); err != nil {
			return err
		}
	}

	file, err := os.Create(a.outputPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV output: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(a.columns); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, result := range results {
		row := make([]string, len(a.columns))
		for i, col := range a.columns {
			if v, ok := result[col]; ok {
				row[i] = data.Stringify(v)
			}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

func (a *CSV) Schema(ctx context.Context) (data.Schema, error) {
	if len(a.columns) == 0 {
		file, err := os.Open(a.inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open CSV input: %w", err)
		}
		defer file.Close()

		header, err := csv.NewReader(file).Read()
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV header: %w", err)
		}
		a.columns = header
	}
	return data.Schema{"type": "csv", "columns": a.columns}, nil
}
