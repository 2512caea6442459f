// Package jsonheal extracts a single function-call object from free text and
// repairs the structural damage a truncated model response leaves behind.
package jsonheal

import (
	"encoding/json"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/sanitize"
)

// Call is a recovered function call.
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// argKeys are the keys a model may use for the argument object, in priority order.
var argKeys = []string{"args", "arguments", "parameters", "input"}

// wrapperKeys hold a nested call object, e.g. {"function": {"name": ..., "args": ...}}.
var wrapperKeys = []string{"function", "function_call", "tool_call", "call"}

// Heal returns the function call found in raw, or nil when none can be recovered.
//
// JSON followed by trailing prose is rejected: the call must be isolated or be
// the last thing in the text.
func Heal(raw string) (call *Call) {
	defer func() {
		if r := recover(); r != nil {
			call = nil
		}
	}()

	if call = extract(strings.TrimSpace(raw)); call != nil {
		return call
	}
	// Smart quotes standing in for JSON quotes only parse after sanitizing.
	return extract(strings.TrimSpace(sanitize.Text(raw)))
}

func extract(text string) *Call {
	if text == "" {
		return nil
	}

	text, ok := stripFences(text)
	if !ok {
		return nil
	}

	start := findObjectStart(text)
	if start < 0 {
		return nil
	}
	body := text[start:]

	sc := scan(body)
	if sc.invalid {
		return nil
	}

	var candidate string
	if sc.complete {
		if strings.TrimSpace(body[sc.end:]) != "" {
			return nil
		}
		candidate = body[:sc.end]
	} else {
		candidate = repair(body, sc)
	}

	obj, ok := parseObject(candidate)
	if !ok {
		return nil
	}
	return toCall(obj)
}

// stripFences removes a markdown code fence around the payload. Text after a
// closing fence counts as trailing prose and fails the extraction.
func stripFences(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return text, true
	}

	inner := text[open+3:]
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 && !strings.ContainsAny(inner[:nl], "{[") {
		inner = inner[nl+1:]
	} else {
		inner = strings.TrimLeft(inner, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0-9_ ")
	}

	end := strings.Index(inner, "```")
	if end < 0 {
		// Truncated before the closing fence.
		return strings.TrimSpace(inner), true
	}
	if strings.TrimSpace(inner[end+3:]) != "" {
		return "", false
	}
	return strings.TrimSpace(inner[:end]), true
}

// findObjectStart prefers the first '{' that opens a keyed object, falling back
// to the first '{' at all.
func findObjectStart(text string) int {
	first := -1
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if first < 0 {
			first = i
		}
		rest := strings.TrimLeft(text[i+1:], " \t\n")
		if strings.HasPrefix(rest, `"`) || strings.HasPrefix(rest, "'") {
			return i
		}
	}
	return first
}

type scanResult struct {
	complete bool
	invalid  bool
	end      int    // index just past the matching close when complete
	stack    []byte // unmatched openers when incomplete
	inString bool
	escaped  bool
}

// scan walks body from its opening brace, tracking strings and nesting.
func scan(body string) scanResult {
	var res scanResult
	var quote byte

	for i := 0; i < len(body); i++ {
		c := body[i]
		if res.inString {
			switch {
			case res.escaped:
				res.escaped = false
			case c == '\\':
				res.escaped = true
			case c == quote:
				res.inString = false
			}
			continue
		}

		switch c {
		case '"', '\'':
			res.inString = true
			quote = c
		case '{', '[':
			res.stack = append(res.stack, c)
		case '}', ']':
			if len(res.stack) == 0 {
				res.invalid = true
				return res
			}
			top := res.stack[len(res.stack)-1]
			if (c == '}' && top != '{') || (c == ']' && top != '[') {
				res.invalid = true
				return res
			}
			res.stack = res.stack[:len(res.stack)-1]
			if len(res.stack) == 0 {
				res.complete = true
				res.end = i + 1
				return res
			}
		}
	}
	return res
}

// repair closes an unterminated string, drops dangling separators and appends
// the minimal closers for every unmatched opener.
func repair(body string, sc scanResult) string {
	var b strings.Builder
	b.Grow(len(body) + len(sc.stack) + 2)

	s := body
	if sc.inString {
		if sc.escaped {
			s = s[:len(s)-1]
		}
		s += `"`
	}

	s = strings.TrimRight(s, " \t\n")
	for strings.HasSuffix(s, ",") {
		s = strings.TrimRight(strings.TrimSuffix(s, ","), " \t\n")
	}
	if strings.HasSuffix(s, ":") {
		s += "null"
	}
	b.WriteString(s)

	for i := len(sc.stack) - 1; i >= 0; i-- {
		if sc.stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// removeTrailingCommas drops commas that directly precede a closer, outside strings.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseObject(candidate string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil && obj != nil {
		return obj, true
	}

	cleaned := removeTrailingCommas(candidate)
	obj = nil
	if err := json.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, true
	}

	obj = nil
	if err := json5.Unmarshal([]byte(cleaned), &obj); err == nil && obj != nil {
		return obj, true
	}
	return nil, false
}

func toCall(obj map[string]any) *Call {
	for _, key := range wrapperKeys {
		if inner, ok := obj[key].(map[string]any); ok {
			if _, hasName := obj["name"]; !hasName {
				return toCall(inner)
			}
		}
	}

	name, _ := obj["name"].(string)
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}

	var rawArgs any
	for _, key := range argKeys {
		if v, ok := obj[key]; ok {
			rawArgs = v
			break
		}
	}

	return &Call{
		Name: name,
		Args: domain.CoerceArgs(rawArgs),
	}
}
