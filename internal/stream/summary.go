// ABOUTME: Argument and result summarization for tool-call stream events.
// ABOUTME: Secret-looking keys are redacted and long values truncated before display.

package stream

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// maxSummaryLen caps a summary string.
const maxSummaryLen = 256

// redactedValue replaces values under secret-looking keys.
const redactedValue = "[redacted]"

// secretKeyFragments flag a JSON key as sensitive when its lowercased name
// contains any of them.
var secretKeyFragments = []string{
	"token", "secret", "password", "passwd", "api_key", "apikey",
	"authorization", "credential", "private_key",
}

// Summarize renders a compact display form of a JSON document: secret-looking
// keys redacted, then truncated to a bounded length. Invalid JSON summarizes
// to a generic placeholder rather than leaking raw bytes.
func Summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "(unparseable payload)"
	}

	redacted, err := json.Marshal(redact(doc))
	if err != nil {
		return "(unparseable payload)"
	}

	return truncate(string(redacted), maxSummaryLen)
}

// redact walks the document replacing values of sensitive keys.
func redact(doc any) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if isSecretKey(key) {
				out[key] = redactedValue
				continue
			}
			out[key] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = redact(val)
		}
		return out
	default:
		return doc
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
