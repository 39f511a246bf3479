package trace

import "strings"

const (
	maxStringLen  = 1000
	maxListLen    = 10
	redactedValue = "[REDACTED]"
)

// sensitiveKeyParts are matched case-insensitively as substrings of map
// keys. Any matching key's value is replaced wholesale, so nested
// payloads under "auth_config" never reach trace storage either.
var sensitiveKeyParts = []string{"password", "token", "secret", "key", "auth"}

// Sanitize returns a bounded, redacted copy of v suitable for trace
// storage. Maps are copied with sensitive keys redacted, lists are
// truncated to their first 10 elements, and strings are truncated to
// 1000 characters. The input is never modified.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSensitiveKey(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = Sanitize(inner)
		}
		return out
	case []any:
		n := len(val)
		if n > maxListLen {
			n = maxListLen
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = Sanitize(val[i])
		}
		return out
	case string:
		if len(val) > maxStringLen {
			return val[:maxStringLen]
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
