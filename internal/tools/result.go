package tools

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xiaot623/archetype/internal/sanitize"
)

// MaxResultBytes caps a single raw result before truncation budgets apply.
const MaxResultBytes = 4 << 20

// ValidateResult turns a raw executor result into a value that is safe to
// serialize into model context: valid UTF-8, sanitized typography, no control
// characters other than newline and tab. Structured values come back as
// JSON-shaped maps and slices; everything else comes back as a string.
func ValidateResult(raw any) (any, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return cleanString(v), nil
	case []byte:
		return validateBytes(v), nil
	case json.RawMessage:
		return validateBytes(v), nil
	case error:
		return cleanString(v.Error()), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, Errorf(CodeInvalidResult, "result is not serializable: %v", err)
	}
	if len(data) > MaxResultBytes {
		return cleanString(string(data)), nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, Errorf(CodeInvalidResult, "result is not valid JSON: %v", err)
	}
	return cleanValue(decoded), nil
}

func validateBytes(b []byte) any {
	if len(b) <= MaxResultBytes && json.Valid(b) {
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			if _, isString := decoded.(string); !isString {
				return cleanValue(decoded)
			}
		}
	}
	return cleanString(string(b))
}

func cleanValue(v any) any {
	switch val := v.(type) {
	case string:
		return cleanString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[cleanString(k)] = cleanValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cleanValue(item)
		}
		return out
	default:
		return v
	}
}

func cleanString(s string) string {
	if len(s) > MaxResultBytes {
		s = s[:MaxResultBytes] + "\n[output exceeded size limit]"
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	s = sanitize.Text(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
