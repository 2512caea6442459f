package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/archetype/internal/domain"
)

func noop(context.Context, Invocation) (any, error) { return "ok", nil }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(Tool{Category: CategoryRead, Exec: noop}))
	assert.Error(t, r.Register(Tool{Name: "x", Category: CategoryRead}))
	assert.Error(t, r.Register(Tool{Name: "x", Exec: noop}))

	require.NoError(t, r.Register(Tool{Name: "x", Category: CategoryRead, Exec: noop}))
	err := r.Register(Tool{Name: "x", Category: CategoryRead, Exec: noop})
	assert.ErrorContains(t, err, "already registered")

	_, ok := r.Get("x")
	assert.True(t, ok)
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "nope", Invocation{})
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestSchemaFor(t *testing.T) {
	schema := SchemaFor(&ReadFileArgs{})

	assert.Equal(t, "object", schema["type"])
	assert.NotContains(t, schema, "$schema")
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "path")
	assert.Contains(t, props, "start_line")
	assert.ElementsMatch(t, []any{"path"}, schema["required"])
}

func newTestRegistry(t *testing.T, env Env) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, env))
	return r
}

func TestValidateArgs(t *testing.T) {
	r := newTestRegistry(t, Env{})

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", "read_file", map[string]any{"path": "a.go"}, false},
		{"missing required", "read_file", map[string]any{}, true},
		{"wrong type", "read_file", map[string]any{"path": 42}, true},
		{"below minimum", "read_file", map[string]any{"path": "a.go", "start_line": 0}, true},
		{"extra properties tolerated", "read_file", map[string]any{"path": "a.go", "note": "x"}, false},
		{"enum violation", "update_task_list", map[string]any{"tasks": []any{map[string]any{"title": "a", "status": "later"}}}, true},
		{"enum ok", "update_task_list", map[string]any{"tasks": []any{map[string]any{"title": "a", "status": "done"}}}, false},
		{"unknown tool", "nope", map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.ValidateArgs(tt.tool, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSpecsSortedWithCategories(t *testing.T) {
	r := newTestRegistry(t, Env{})

	specs := r.Specs()
	require.Len(t, specs, 10)
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}

	categories := map[string]Category{}
	for _, tool := range r.List() {
		categories[tool.Name] = tool.Category
	}
	assert.Equal(t, CategoryWrite, categories["write_file"])
	assert.Equal(t, CategoryShell, categories["run_command"])
	assert.Equal(t, CategoryDiagnostics, categories["get_diagnostics"])
}

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "util"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "util", "util.go"), []byte("package util\n\n// Helper is a helper.\nfunc Helper() {}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	ws, err := NewWorkspace(dir)
	require.NoError(t, err)
	return ws
}

func TestWorkspaceResolve(t *testing.T) {
	ws := newWorkspace(t)

	p, err := ws.Resolve("pkg/util/util.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "pkg", "util", "util.go"), p)

	p, err = ws.Resolve("new/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "new/dir/file.txt", ws.Rel(p))

	for _, bad := range []string{"../outside", "pkg/../../outside", "/etc/passwd"} {
		_, err := ws.Resolve(bad)
		require.Error(t, err, bad)
		assert.Equal(t, CodePathEscape, CodeOf(err), bad)
	}

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(ws.Root(), "link")))
	_, err = ws.Resolve("link/secret.txt")
	require.Error(t, err)
	assert.Equal(t, CodePathEscape, CodeOf(err))
}

func run(t *testing.T, r *Registry, name string, args map[string]any) (any, error) {
	t.Helper()
	return r.Execute(context.Background(), name, Invocation{RunID: "run_1", UserID: "u1", ProjectID: "p1", Args: args})
}

func TestReadFile(t *testing.T) {
	r := newTestRegistry(t, Env{Workspace: newWorkspace(t)})

	out, err := run(t, r, "read_file", map[string]any{"path": "main.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "func main()")

	out, err = run(t, r, "read_file", map[string]any{"path": "main.go", "start_line": 3, "end_line": 4})
	require.NoError(t, err)
	assert.Equal(t, "func main() {\n\tprintln(\"hi\")", out)

	_, err = run(t, r, "read_file", map[string]any{"path": "missing.go"})
	assert.Equal(t, CodeNotFound, CodeOf(err))

	_, err = run(t, r, "read_file", map[string]any{"path": "../etc/passwd"})
	assert.Equal(t, CodePathEscape, CodeOf(err))
}

func TestListFiles(t *testing.T) {
	r := newTestRegistry(t, Env{Workspace: newWorkspace(t)})

	out, err := run(t, r, "list_files", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "main.go")
	assert.Contains(t, out, "pkg/")

	out, err = run(t, r, "list_files", map[string]any{"recursive": true})
	require.NoError(t, err)
	assert.Contains(t, out, "pkg/util/util.go")
	assert.NotContains(t, out, ".git/HEAD")
}

func TestSearchFiles(t *testing.T) {
	r := newTestRegistry(t, Env{Workspace: newWorkspace(t)})

	out, err := run(t, r, "search_files", map[string]any{"pattern": "func \\w+", "glob": "*.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "main.go:3: func main() {")
	assert.Contains(t, out, "pkg/util/util.go:4: func Helper() {}")

	out, err = run(t, r, "search_files", map[string]any{"pattern": "HELPER", "case_insensitive": true, "path": "pkg"})
	require.NoError(t, err)
	assert.Contains(t, out, "pkg/util/util.go:3:")

	out, err = run(t, r, "search_files", map[string]any{"pattern": "refs/heads"})
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)

	_, err = run(t, r, "search_files", map[string]any{"pattern": "("})
	assert.Equal(t, CodeInvalidArgs, CodeOf(err))
}

func TestWriteFile(t *testing.T) {
	ws := newWorkspace(t)
	r := newTestRegistry(t, Env{Workspace: ws})

	out, err := run(t, r, "write_file", map[string]any{"path": "docs/notes/readme.md", "content": "# Notes\n"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "docs/notes/readme.md", "bytes_written": 8}, out)

	data, err := os.ReadFile(filepath.Join(ws.Root(), "docs", "notes", "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n", string(data))

	_, err = run(t, r, "write_file", map[string]any{"path": "../escape.txt", "content": "x"})
	assert.Equal(t, CodePathEscape, CodeOf(err))
}

type fakeSandbox struct {
	tokens []string
	reqs   []CommandRequest
	result *CommandResult
	err    error
}

func (f *fakeSandbox) Exec(_ context.Context, token string, req CommandRequest) (*CommandResult, error) {
	f.tokens = append(f.tokens, token)
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestRunCommand(t *testing.T) {
	sb := &fakeSandbox{result: &CommandResult{ExitCode: 1, Stdout: "ok\n", Stderr: "FAIL"}}
	r := newTestRegistry(t, Env{Sandbox: sb, SandboxToken: "secret"})

	out, err := run(t, r, "run_command", map[string]any{"command": "go test ./...", "timeout_seconds": 30})
	require.NoError(t, err)
	assert.Equal(t, "exit code: 1\n--- stdout ---\nok\n--- stderr ---\nFAIL", out)
	assert.Equal(t, []string{"secret"}, sb.tokens)
	assert.Equal(t, "go test ./...", sb.reqs[0].Command)
	assert.Equal(t, 30.0, sb.reqs[0].Timeout.Seconds())

	sb.err = ErrInvalidSandboxToken
	_, err = run(t, r, "run_command", map[string]any{"command": "ls"})
	assert.Equal(t, CodeDenied, CodeOf(err))

	r = newTestRegistry(t, Env{})
	_, err = run(t, r, "run_command", map[string]any{"command": "ls"})
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

func TestLocalSandbox(t *testing.T) {
	ws := newWorkspace(t)
	sb := NewLocalSandbox(ws, "secret")

	_, err := sb.Exec(context.Background(), "wrong", CommandRequest{Command: "echo hi"})
	assert.ErrorIs(t, err, ErrInvalidSandboxToken)

	res, err := sb.Exec(context.Background(), "secret", CommandRequest{Command: "ls && exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "main.go")

	_, err = NewLocalSandbox(ws, "").Exec(context.Background(), "", CommandRequest{Command: "echo hi"})
	assert.ErrorIs(t, err, ErrInvalidSandboxToken)
}

func TestGetDiagnostics(t *testing.T) {
	sb := &fakeSandbox{result: &CommandResult{
		ExitCode: 1,
		Stderr:   "# example\n./main.go:3:2: undefined: foo\npkg/util/util.go:10: warning: unused variable x\nnot a finding\n",
	}}
	r := newTestRegistry(t, Env{Sandbox: sb, SandboxToken: "secret", DiagnosticsCommand: "go vet ./..."})

	out, err := run(t, r, "get_diagnostics", map[string]any{})
	require.NoError(t, err)
	obj := out.(map[string]any)
	findings := obj["findings"].([]any)
	require.Len(t, findings, 2)
	first := findings[0].(map[string]any)
	assert.Equal(t, "main.go", first["file"])
	assert.Equal(t, 3, first["line"])
	assert.Equal(t, 2, first["column"])
	assert.Equal(t, "undefined: foo", first["message"])
	second := findings[1].(map[string]any)
	assert.Equal(t, "warning", second["severity"])
	assert.Equal(t, "unused variable x", second["message"])
	assert.Equal(t, false, obj["clean"])

	out, err = run(t, r, "get_diagnostics", map[string]any{"path": "pkg"})
	require.NoError(t, err)
	assert.Len(t, out.(map[string]any)["findings"], 1)

	r = newTestRegistry(t, Env{Sandbox: sb})
	_, err = run(t, r, "get_diagnostics", map[string]any{})
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

type memKnowledge struct {
	entries []*domain.KnowledgeEntry
}

func (m *memKnowledge) SaveKnowledge(_ context.Context, e *domain.KnowledgeEntry) error {
	e.EntryID = "kn_1"
	m.entries = append(m.entries, e)
	return nil
}

func (m *memKnowledge) RecallKnowledge(_ context.Context, userID, projectID, query string, limit int) ([]*domain.KnowledgeEntry, error) {
	var out []*domain.KnowledgeEntry
	for _, e := range m.entries {
		if e.UserID == userID && e.ProjectID == projectID && strings.Contains(e.Content, query) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memTasks struct {
	runID string
	tasks []domain.TaskItem
}

func (m *memTasks) SaveTaskList(_ context.Context, runID string, tasks []domain.TaskItem) error {
	m.runID, m.tasks = runID, tasks
	return nil
}

func TestKnowledgeAndTasks(t *testing.T) {
	kn := &memKnowledge{}
	tasks := &memTasks{}
	r := newTestRegistry(t, Env{Knowledge: kn, Tasks: tasks})

	out, err := run(t, r, "knowledge_store", map[string]any{"key": "build", "content": "use make build", "tags": []any{"ci"}})
	require.NoError(t, err)
	assert.Equal(t, "kn_1", out.(map[string]any)["entry_id"])
	require.Len(t, kn.entries, 1)
	assert.Equal(t, "p1", kn.entries[0].ProjectID)

	out, err = run(t, r, "knowledge_recall", map[string]any{"query": "make"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]any)["count"])

	out, err = run(t, r, "update_task_list", map[string]any{"tasks": []any{
		map[string]any{"title": "write code", "status": "done"},
		map[string]any{"title": "test", "status": "pending"},
	}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tasks": 2, "done": 1}, out)
	assert.Equal(t, "run_1", tasks.runID)
	assert.Equal(t, domain.TaskStatusPending, tasks.tasks[1].Status)
}

func TestWebSearchUnconfigured(t *testing.T) {
	r := newTestRegistry(t, Env{})
	_, err := run(t, r, "web_search", map[string]any{"query": "golang"})
	require.Error(t, err)
	assert.Equal(t, CodeUnavailable, CodeOf(err))
}

func TestValidateResult(t *testing.T) {
	t.Run("string is cleaned", func(t *testing.T) {
		out, err := ValidateResult("\u201chi\u201d\x00\x07\r\nnext\tcol")
		require.NoError(t, err)
		assert.Equal(t, "\"hi\"\nnext\tcol", out)
	})

	t.Run("invalid utf8 repaired", func(t *testing.T) {
		out, err := ValidateResult(string([]byte{'a', 0xff, 'b'}))
		require.NoError(t, err)
		assert.Equal(t, "a\ufffdb", out)
	})

	t.Run("nil becomes empty", func(t *testing.T) {
		out, err := ValidateResult(nil)
		require.NoError(t, err)
		assert.Equal(t, "", out)
	})

	t.Run("struct becomes map", func(t *testing.T) {
		out, err := ValidateResult(struct {
			Name string `json:"name"`
			N    int    `json:"n"`
		}{Name: "x\u200b", N: 2})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "x", "n": float64(2)}, out)
	})

	t.Run("json bytes decoded", func(t *testing.T) {
		out, err := ValidateResult([]byte(`{"findings":[{"message":"bad\u2014thing"}]}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"findings": []any{map[string]any{"message": "bad-thing"}}}, out)
	})

	t.Run("plain bytes are text", func(t *testing.T) {
		out, err := ValidateResult([]byte("not json"))
		require.NoError(t, err)
		assert.Equal(t, "not json", out)
	})

	t.Run("unserializable rejected", func(t *testing.T) {
		_, err := ValidateResult(make(chan int))
		require.Error(t, err)
		assert.Equal(t, CodeInvalidResult, CodeOf(err))
	})
}

func TestParseFindings(t *testing.T) {
	findings := ParseFindings("a.go:1:2: error: boom\nplain line\nb.ts:7: Warning: meh")
	require.Len(t, findings, 2)
	assert.Equal(t, Finding{File: "a.go", Line: 1, Column: 2, Severity: "error", Message: "boom"}, findings[0])
	assert.Equal(t, Finding{File: "b.ts", Line: 7, Severity: "warning", Message: "meh"}, findings[1])
}
