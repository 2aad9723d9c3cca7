// Package prompt renders user prompts from templates with {name} placeholders,
// scrubbing substituted values against known prompt-injection patterns.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kmorand/drover/internal/data"
)

// ErrKeyMissing is returned when a template placeholder has no matching field
// in the unit. This is a caller bug, not a per-record failure.
var ErrKeyMissing = errors.New("template field missing from unit")

// Redacted replaces any substring matching an injection pattern.
const Redacted = "[REDACTED]"

// injectionPatterns flag imperative overrides, system-prompt exfiltration,
// role reassignment, code-execution verbs, and instruction-fence delimiters.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignore|disregard|forget|above|previous|instructions)`),
	regexp.MustCompile(`(?i)(return|reveal|show|display|print|output).*system.*prompt`),
	regexp.MustCompile(`(?i)(new.*role|role.*play|act.*as|you.*are.*now)`),
	regexp.MustCompile(`(?i)(\bexec\b|\brun\b|\beval\b|execute)`),
	regexp.MustCompile(`(?i)(\|\|\|.*\|\||<\|.*\|>|<<.*>>)`),
}

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Template is a prompt template with named placeholders of the form {name}.
type Template struct {
	raw    string
	fields []string
}

// New parses the template and records its placeholder names in order of
// first occurrence.
func New(raw string) *Template {
	seen := map[string]bool{}
	var fields []string
	for _, m := range placeholder.FindAllStringSubmatch(raw, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			fields = append(fields, m[1])
		}
	}
	return &Template{raw: raw, fields: fields}
}

// Fields returns the placeholder names in order of first occurrence.
func (t *Template) Fields() []string {
	if t.fields == nil {
		return nil
	}
	out := make([]string, len(t.fields))
	copy(out, t.fields)
	return out
}

// Render substitutes each placeholder with the sanitized string form of the
// unit's matching field. A missing field fails with ErrKeyMissing.
func (t *Template) Render(unit data.Unit) (string, error) {
	rendered := t.raw
	for _, name := range t.fields {
		v, ok := unit[name]
		if !ok {
			return "", fmt.Errorf("%w: {%s}", ErrKeyMissing, name)
		}
		rendered = strings.ReplaceAll(rendered, "{"+name+"}", Sanitize(data.Stringify(v)))
	}
	return rendered, nil
}

// Sanitize replaces every injection-pattern match in the value with the
// redaction token. Non-matching values pass through untouched.
func Sanitize(value string) string {
	for _, p := range injectionPatterns {
		value = p.ReplaceAllString(value, Redacted)
	}
	return value
}
