package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain ascii untouched", `{"a": "b"}`, `{"a": "b"}`},
		{"smart double quotes", "\u201chello\u201d", `"hello"`},
		{"smart single quotes", "it\u2019s \u2018ok\u2019", "it's 'ok'"},
		{"dashes", "a\u2013b\u2014c\u2212d", "a-b-c-d"},
		{"ellipsis", "wait\u2026", "wait..."},
		{"zero width stripped", "fi\u200ble\u200d.go\ufeff", "file.go"},
		{"crlf normalized", "a\r\nb\rc\n", "a\nb\nc\n"},
		{"nbsp", "a\u00a0b", "a b"},
		{"line separator", "a\u2028b", "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Text(tt.in))
		})
	}
}

func TestTextIsStable(t *testing.T) {
	in := "\u201cquoted\u201d \u2014 dash\r\n"
	once := Text(in)
	assert.Equal(t, once, Text(once))
}

func TestStrings(t *testing.T) {
	in := map[string]any{
		"path":  "src/\u200bmain.go",
		"lines": []any{"\u201cx\u201d", 3},
		"n":     1.5,
	}
	out := Strings(in).(map[string]any)

	assert.Equal(t, "src/main.go", out["path"])
	assert.Equal(t, []any{`"x"`, 3}, out["lines"])
	assert.Equal(t, 1.5, out["n"])
	assert.Equal(t, "src/\u200bmain.go", in["path"], "input must not be mutated")
}
