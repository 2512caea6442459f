package jsonheal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want *Call
	}{
		{
			name: "well formed",
			in:   `{"name":"read_file","args":{"file_path":"main.go"}}`,
			want: &Call{Name: "read_file", Args: map[string]any{"file_path": "main.go"}},
		},
		{
			name: "truncated before closing braces",
			in:   `{"name":"read","args":{"file_path":"test.ts"`,
			want: &Call{Name: "read", Args: map[string]any{"file_path": "test.ts"}},
		},
		{
			name: "trailing commas",
			in:   `{"name":"bash","args":{"command":"ls -la",},}`,
			want: &Call{Name: "bash", Args: map[string]any{"command": "ls -la"}},
		},
		{
			name: "json fence",
			in:   "```json\n{\"name\":\"list_files\",\"args\":{\"path\":\".\"}}\n```",
			want: &Call{Name: "list_files", Args: map[string]any{"path": "."}},
		},
		{
			name: "bare fence truncated",
			in:   "```\n{\"name\":\"list_files\",\"args\":{\"path\":\"src\"",
			want: &Call{Name: "list_files", Args: map[string]any{"path": "src"}},
		},
		{
			name: "leading prose",
			in:   `Let me look at that file. {"name":"read_file","args":{"file_path":"a.go"}}`,
			want: &Call{Name: "read_file", Args: map[string]any{"file_path": "a.go"}},
		},
		{
			name: "unterminated string",
			in:   `{"name":"write_file","args":{"path":"a.go","content":"package ma`,
			want: &Call{Name: "write_file", Args: map[string]any{"path": "a.go", "content": "package ma"}},
		},
		{
			name: "dangling colon",
			in:   `{"name":"search_files","args":{"pattern":`,
			want: &Call{Name: "search_files", Args: map[string]any{"pattern": nil}},
		},
		{
			name: "string encoded arguments",
			in:   `{"name":"run_command","arguments":"{\"command\":\"go test ./...\"}"}`,
			want: &Call{Name: "run_command", Args: map[string]any{"command": "go test ./..."}},
		},
		{
			name: "wrapped function object",
			in:   `{"function":{"name":"read_file","parameters":{"file_path":"x"}}}`,
			want: &Call{Name: "read_file", Args: map[string]any{"file_path": "x"}},
		},
		{
			name: "array arguments",
			in:   `{"name":"update_task_list","args":["a","b"]}`,
			want: &Call{Name: "update_task_list", Args: map[string]any{"items": []any{"a", "b"}}},
		},
		{
			name: "missing arguments",
			in:   `{"name":"get_diagnostics"}`,
			want: &Call{Name: "get_diagnostics", Args: map[string]any{}},
		},
		{
			name: "single quoted",
			in:   `{'name': 'read_file', 'args': {'file_path': 'b.go'}}`,
			want: &Call{Name: "read_file", Args: map[string]any{"file_path": "b.go"}},
		},
		{
			name: "smart quotes",
			in:   "{\u201cname\u201d: \u201cread_file\u201d, \u201cargs\u201d: {\u201cfile_path\u201d: \u201cc.go\u201d}}",
			want: &Call{Name: "read_file", Args: map[string]any{"file_path": "c.go"}},
		},
		{name: "empty", in: "", want: nil},
		{name: "whitespace", in: "  \n\t", want: nil},
		{name: "prose only", in: "I will now read the configuration file.", want: nil},
		{name: "trailing prose", in: `{"name":"read_file","args":{}} and then I will edit it`, want: nil},
		{name: "trailing prose after fence", in: "```json\n{\"name\":\"x\",\"args\":{}}\n```\nDone.", want: nil},
		{name: "no name", in: `{"args":{"a":1}}`, want: nil},
		{name: "blank name", in: `{"name":"  ","args":{}}`, want: nil},
		{name: "mismatched closer", in: `{"name":"x","args":{]}`, want: nil},
		{name: "bare array", in: `["read_file"]`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Heal(tt.in))
		})
	}
}

func TestHealRoundTrip(t *testing.T) {
	calls := []Call{
		{Name: "read_file", Args: map[string]any{"file_path": "main.go"}},
		{Name: "run_command", Args: map[string]any{"command": "echo \"}\" {", "timeout": float64(30)}},
		{Name: "update_task_list", Args: map[string]any{"items": []any{map[string]any{"id": "1", "done": true}}}},
		{Name: "get_diagnostics", Args: map[string]any{}},
	}

	for _, c := range calls {
		t.Run(c.Name, func(t *testing.T) {
			data, err := json.Marshal(map[string]any{"name": c.Name, "args": c.Args})
			require.NoError(t, err)

			got := Heal(string(data))
			require.NotNil(t, got)
			assert.Equal(t, c, *got)
		})
	}
}

func TestHealIsIdempotent(t *testing.T) {
	inputs := []string{
		`{"name":"read","args":{"file_path":"test.ts"`,
		`{"name":"bash","args":{"command":"ls",},}`,
		"```json\n{\"name\":\"list_files\",\"args\":{}}",
		`{"name":"write_file","args":{"content":"half`,
	}

	for _, in := range inputs {
		first := Heal(in)
		require.NotNil(t, first, in)

		data, err := json.Marshal(first)
		require.NoError(t, err)
		second := Heal(string(data))
		assert.Equal(t, first, second, in)
	}
}

func TestHealNeverPanics(t *testing.T) {
	inputs := []string{"{", "}", "{\"", "{\"name\":\"\\", "```", "``````", "{'", "{{{{[[[[", "\x00{\"name\":1}"}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Heal(in) }, in)
	}
}
