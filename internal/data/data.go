// Package data defines the unit of work flowing through the pipeline: a
// string-keyed row read from an input source, and the result produced for it
// by one LLM interaction.
package data

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved keys. Keys with a leading underscore are owned by the pipeline and
// never come from the input source.
const (
	KeyIndex            = "_idx"
	KeyResult           = "result"
	KeyParsed           = "parsed"
	KeyParseError       = "parse_error"
	KeyRawOutput        = "_raw_output"
	KeyRetriesExhausted = "_retries_exhausted"
	KeyAttempts         = "_attempts"
	KeyError            = "_error"
	KeyUsage            = "_usage"
)

// Unit is a single input row. Units are immutable once their index has been
// assigned; every transformation copies.
type Unit map[string]any

// Result is a Unit augmented with the outcome of one LLM interaction. Exactly
// one terminal shape holds: success (parsed fields merged or nested), parse
// failure (parse_error + _raw_output), or fatal failure (_error).
type Result map[string]any

// Usage records token consumption accumulated across all attempts for one unit.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the element-wise sum of two usage blocks.
func (u Usage) Add(v Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + v.InputTokens,
		OutputTokens: u.OutputTokens + v.OutputTokens,
	}
}

// WithIndex returns a copy of the unit with the index key set.
func (u Unit) WithIndex(idx int) Unit {
	out := make(Unit, len(u)+1)
	for k, v := range u {
		out[k] = v
	}
	out[KeyIndex] = idx
	return out
}

// Index returns the unit's assigned position, or -1 when none has been set.
func (u Unit) Index() int { return indexOf(u) }

// Index returns the result's source position, or -1 when none has been set.
func (r Result) Index() int { return indexOf(r) }

func indexOf(m map[string]any) int {
	v, ok := m[KeyIndex]
	if !ok {
		return -1
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return -1
		}
		return int(i)
	default:
		return -1
	}
}

// Failed reports whether the result is a terminal failure of any kind: a
// fatal or transient error, a parse error, or an exhausted parse-retry budget.
func (r Result) Failed() bool {
	if _, ok := r[KeyError]; ok {
		return true
	}
	if _, ok := r[KeyParseError]; ok {
		return true
	}
	if b, ok := r[KeyRetriesExhausted].(bool); ok && b {
		return true
	}
	return false
}

// Clone returns a shallow copy of the result.
func (r Result) Clone() Result {
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SortByIndex orders results by their index ascending. Results without an
// index keep their relative order and sort after all indexed results.
func SortByIndex(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i].Index(), results[j].Index()
		if a < 0 {
			return false
		}
		if b < 0 {
			return true
		}
		return a < b
	})
}

// Schema is descriptive metadata about a data source. The pipeline never
// depends on it; it exists for callers that want to inspect inputs.
type Schema map[string]any

// Stringify renders a scalar value the way it is substituted into prompts.
func Stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing .0 so prompts and CSV output stay readable.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
