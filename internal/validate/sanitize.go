package validate

import "encoding/json"

var htmlEntities = map[rune]string{
	'<':  "&lt;",
	'>':  "&gt;",
	'"':  "&quot;",
	'\'': "&#x27;",
	'/':  "&#x2F;",
}

// Sanitizer recursively escapes HTML-significant characters in string
// leaves of a JSON payload. Non-string leaves (numbers, bools, null) pass
// through unchanged; object keys are left alone, only values are walked.
type Sanitizer struct {
	enabled bool
}

// NewSanitizer builds a sanitizer. When enabled is false, Sanitize is a
// no-op pass-through.
func NewSanitizer(enabled bool) *Sanitizer {
	return &Sanitizer{enabled: enabled}
}

// Sanitize walks raw (a JSON value) and returns a re-encoded copy with
// every string leaf HTML-escaped. If raw does not parse as JSON, or
// sanitization is disabled, it is returned unchanged.
func (s *Sanitizer) Sanitize(raw json.RawMessage) json.RawMessage {
	if !s.enabled || len(raw) == 0 {
		return raw
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}

	walked := walk(v)
	out, err := json.Marshal(walked)
	if err != nil {
		return raw
	}
	return out
}

func walk(v any) any {
	switch t := v.(type) {
	case string:
		return escapeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = walk(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val)
		}
		return out
	default:
		return v
	}
}

func escapeString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if esc, ok := htmlEntities[r]; ok {
			out = append(out, []rune(esc)...)
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
