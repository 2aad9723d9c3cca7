package job

import (
	"strings"

	"github.com/kmorand/drover/internal/data"
)

// formatResults shapes the final output. "enriched" keeps the full merged
// rows; "separate" keeps only the AI-produced fields plus the index and any
// error marker. An optional schema narrows either shape to the named keys.
// unitsByIdx maps each result back to its source row so AI fields can be told
// apart from input fields.
func formatResults(results []data.Result, format string, schema []string, unitsByIdx map[int]data.Unit) []data.Result {
	if format != "separate" && len(schema) == 0 {
		return results
	}

	formatted := make([]data.Result, len(results))
	for i, result := range results {
		unit := unitsByIdx[result.Index()]
		if format == "separate" {
			formatted[i] = separateFields(result, unit, schema)
		} else {
			formatted[i] = enrichedFields(result, unit, schema)
		}
	}
	return formatted
}

// separateFields strips the input fields, keeping what the model produced
// plus the index and error marker for traceability.
func separateFields(result data.Result, unit data.Unit, schema []string) data.Result {
	out := data.Result{}
	for k, v := range result {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, fromInput := unit[k]; fromInput {
			continue
		}
		out[k] = v
	}
	if parsed, ok := result[data.KeyParsed]; ok {
		out[data.KeyParsed] = parsed
	}
	if idx, ok := result[data.KeyIndex]; ok {
		out[data.KeyIndex] = idx
	}
	if errMsg, ok := result[data.KeyError]; ok {
		out[data.KeyError] = errMsg
	}

	if len(schema) == 0 {
		return out
	}
	filtered := data.Result{data.KeyIndex: out[data.KeyIndex]}
	for _, key := range schema {
		if v, ok := out[key]; ok {
			filtered[key] = v
		}
	}
	if errMsg, ok := out[data.KeyError]; ok {
		filtered[data.KeyError] = errMsg
	}
	return filtered
}

// enrichedFields keeps the pipeline-internal keys and the full input row, and
// narrows the AI fields to the named schema keys.
func enrichedFields(result data.Result, unit data.Unit, schema []string) data.Result {
	out := data.Result{}
	for k, v := range result {
		if strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	for k, v := range unit {
		out[k] = v
	}
	for _, key := range schema {
		if v, ok := result[key]; ok {
			out[key] = v
		}
	}
	return out
}
