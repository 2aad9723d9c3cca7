// Package postproc extracts a JSON object from free-form model output and
// folds it back into the result row.
package postproc

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/kmorand/drover/internal/data"
)

// ParseErrorMessage is the fixed message recorded when no JSON object can be
// extracted from the model output.
const ParseErrorMessage = "Failed to extract JSON from LLM output"

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)\n```")

// ExtractJSON attempts to pull a JSON object out of raw model text. The
// cascade, first match wins: a fenced code block, the substring between the
// first '{' and the last '}', then the whole text. Returns nil when nothing
// parses.
func ExtractJSON(text string) map[string]any {
	if text == "" {
		return nil
	}

	candidate := strings.TrimSpace(text)
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	} else if open := strings.Index(text, "{"); open >= 0 {
		if close := strings.LastIndex(text, "}"); close > open {
			candidate = text[open : close+1]
		}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return nil
	}
	return parsed
}

// ProcessResult transforms a result whose "result" key holds raw model text.
// On parse success the parsed keys are merged into the root (or nested under
// "parsed" when merge is false). On failure the result gains a parse_error and
// _raw_output, kept always for debugging. The raw "result" key is removed
// unless includeRaw is set.
func ProcessResult(result data.Result, merge, includeRaw bool) data.Result {
	raw, ok := result[data.KeyResult]
	if !ok {
		return result
	}
	text, _ := raw.(string)

	processed := result.Clone()
	if parsed := ExtractJSON(text); parsed != nil {
		if merge {
			for k, v := range parsed {
				processed[k] = v
			}
		} else {
			processed[data.KeyParsed] = parsed
		}
	} else {
		processed[data.KeyParseError] = ParseErrorMessage
		processed[data.KeyRawOutput] = text
	}

	if !includeRaw {
		delete(processed, data.KeyResult)
	}
	return processed
}

// ProcessResults applies ProcessResult to every element.
func ProcessResults(results []data.Result, merge, includeRaw bool) []data.Result {
	out := make([]data.Result, len(results))
	for i, r := range results {
		out[i] = ProcessResult(r, merge, includeRaw)
	}
	return out
}
