package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/archetype/internal/domain"
)

// KnowledgeStore persists notes for knowledge_store and knowledge_recall.
type KnowledgeStore interface {
	SaveKnowledge(ctx context.Context, entry *domain.KnowledgeEntry) error
	RecallKnowledge(ctx context.Context, userID, projectID, query string, limit int) ([]*domain.KnowledgeEntry, error)
}

// TaskStore persists a run's task list.
type TaskStore interface {
	SaveTaskList(ctx context.Context, runID string, tasks []domain.TaskItem) error
}

// SearchHit is one web search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearcher answers web_search.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

// Env holds the collaborators the built-in tools run against. Nil
// collaborators make their tools fail with CodeUnavailable.
type Env struct {
	Workspace          *Workspace
	Sandbox            Sandbox
	SandboxToken       string
	DiagnosticsCommand string
	CommandTimeout     time.Duration
	Knowledge          KnowledgeStore
	Tasks              TaskStore
	Web                WebSearcher
}

const (
	maxReadBytes     = 10 << 20
	maxListEntries   = 500
	maxSearchResults = 200
	defaultRecall    = 10
)

// RegisterBuiltins registers the workspace, shell, task, knowledge and web
// tools.
func RegisterBuiltins(r *Registry, env Env) error {
	b := &builtins{env: env}
	for _, t := range []Tool{
		Define("read_file", "Read a text file from the workspace. Optionally restrict to a 1-based inclusive line range.", CategoryRead, b.readFile),
		Define("list_files", "List files and directories under a workspace path.", CategorySearch, b.listFiles),
		Define("search_files", "Search workspace files for a regular expression and return matching lines as path:line: text.", CategorySearch, b.searchFiles),
		Define("write_file", "Create or overwrite a file in the workspace.", CategoryWrite, b.writeFile),
		Define("run_command", "Run a shell command in the workspace sandbox.", CategoryShell, b.runCommand),
		Define("get_diagnostics", "Run the project's diagnostics and return structured findings.", CategoryDiagnostics, b.getDiagnostics),
		Define("update_task_list", "Replace the task list for the current run.", CategoryTask, b.updateTaskList),
		Define("knowledge_store", "Save a note to the project knowledge base.", CategoryKnowledge, b.knowledgeStore),
		Define("knowledge_recall", "Recall notes from the project knowledge base.", CategoryKnowledge, b.knowledgeRecall),
		Define("web_search", "Search the web.", CategoryWeb, b.webSearch),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type builtins struct {
	env Env
}

func (b *builtins) workspace() (*Workspace, error) {
	if b.env.Workspace == nil {
		return nil, Errorf(CodeUnavailable, "no workspace is configured")
	}
	return b.env.Workspace, nil
}

// ReadFileArgs are the arguments of read_file.
type ReadFileArgs struct {
	Path      string `json:"path" jsonschema:"description=Workspace-relative file path,minLength=1"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"minimum=1"`
}

func (b *builtins) readFile(_ context.Context, _ Invocation, args ReadFileArgs) (any, error) {
	ws, err := b.workspace()
	if err != nil {
		return nil, err
	}
	path, err := ws.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, Errorf(CodeNotFound, "file not found: %s", args.Path)
	}
	if info.IsDir() {
		return nil, Errorf(CodeInvalidArgs, "%s is a directory", args.Path)
	}
	if info.Size() > maxReadBytes {
		return nil, Errorf(CodeInvalidArgs, "%s is too large to read (%d bytes)", args.Path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Errorf(CodeFailed, "read %s: %v", args.Path, err)
	}
	if args.StartLine == 0 && args.EndLine == 0 {
		return string(data), nil
	}

	lines := strings.Split(string(data), "\n")
	start := max(args.StartLine, 1)
	end := args.EndLine
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return nil, Errorf(CodeInvalidArgs, "start_line %d is past end_line %d", start, end)
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// ListFilesArgs are the arguments of list_files.
type ListFilesArgs struct {
	Path      string `json:"path,omitempty" jsonschema:"description=Workspace-relative directory; defaults to the root"`
	Recursive bool   `json:"recursive,omitempty"`
}

func (b *builtins) listFiles(_ context.Context, _ Invocation, args ListFilesArgs) (any, error) {
	ws, err := b.workspace()
	if err != nil {
		return nil, err
	}
	dir, err := ws.Resolve(args.Path)
	if err != nil {
		return nil, err
	}

	var entries []string
	if args.Recursive {
		err = ws.walk(dir, func(path string, _ fs.DirEntry) error {
			if len(entries) >= maxListEntries {
				return filepath.SkipAll
			}
			entries = append(entries, ws.Rel(path))
			return nil
		})
	} else {
		var list []os.DirEntry
		list, err = os.ReadDir(dir)
		for _, e := range list {
			if len(entries) >= maxListEntries {
				break
			}
			name := ws.Rel(filepath.Join(dir, e.Name()))
			if e.IsDir() {
				name += "/"
			}
			entries = append(entries, name)
		}
	}
	if err != nil {
		return nil, Errorf(CodeFailed, "list %s: %v", args.Path, err)
	}
	sort.Strings(entries)
	if len(entries) == 0 {
		return "(empty)", nil
	}
	out := strings.Join(entries, "\n")
	if len(entries) >= maxListEntries {
		out += fmt.Sprintf("\n[listing stopped at %d entries]", maxListEntries)
	}
	return out, nil
}

// SearchFilesArgs are the arguments of search_files.
type SearchFilesArgs struct {
	Pattern         string `json:"pattern" jsonschema:"description=RE2 regular expression,minLength=1"`
	Path            string `json:"path,omitempty"`
	Glob            string `json:"glob,omitempty" jsonschema:"description=File name glob such as *.go"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty" jsonschema:"minimum=1"`
}

func (b *builtins) searchFiles(ctx context.Context, _ Invocation, args SearchFilesArgs) (any, error) {
	ws, err := b.workspace()
	if err != nil {
		return nil, err
	}
	dir, err := ws.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	pattern := args.Pattern
	if args.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, Errorf(CodeInvalidArgs, "invalid pattern: %v", err)
	}
	limit := args.MaxResults
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	var matches []string
	err = ws.walk(dir, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(matches) >= limit {
			return filepath.SkipAll
		}
		if args.Glob != "" {
			if ok, _ := filepath.Match(args.Glob, d.Name()); !ok {
				return nil
			}
		}
		data, err := os.ReadFile(path)
		if err != nil || isBinary(data) {
			return nil
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for n := 1; scanner.Scan(); n++ {
			if re.Match(scanner.Bytes()) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", ws.Rel(path), n, strings.TrimSpace(scanner.Text())))
				if len(matches) >= limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, Errorf(CodeFailed, "search: %v", err)
	}
	if len(matches) == 0 {
		return "No matches found.", nil
	}
	return strings.Join(matches, "\n"), nil
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// WriteFileArgs are the arguments of write_file.
type WriteFileArgs struct {
	Path    string `json:"path" jsonschema:"minLength=1"`
	Content string `json:"content"`
}

func (b *builtins) writeFile(_ context.Context, _ Invocation, args WriteFileArgs) (any, error) {
	ws, err := b.workspace()
	if err != nil {
		return nil, err
	}
	path, err := ws.Resolve(args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Errorf(CodeFailed, "create directories for %s: %v", args.Path, err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, Errorf(CodeFailed, "write %s: %v", args.Path, err)
	}
	return map[string]any{
		"path":          ws.Rel(path),
		"bytes_written": len(args.Content),
	}, nil
}

// RunCommandArgs are the arguments of run_command.
type RunCommandArgs struct {
	Command        string `json:"command" jsonschema:"minLength=1"`
	Workdir        string `json:"workdir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"minimum=1,maximum=600"`
}

func (b *builtins) runCommand(ctx context.Context, _ Invocation, args RunCommandArgs) (any, error) {
	timeout := b.env.CommandTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	res, err := b.exec(ctx, CommandRequest{Command: args.Command, Dir: args.Workdir, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	if res.TimedOut {
		fmt.Fprintf(&sb, "command timed out after %s\n", timeout)
	} else {
		fmt.Fprintf(&sb, "exit code: %d\n", res.ExitCode)
	}
	if res.Stdout != "" {
		sb.WriteString("--- stdout ---\n")
		sb.WriteString(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			sb.WriteString("\n")
		}
	}
	if res.Stderr != "" {
		sb.WriteString("--- stderr ---\n")
		sb.WriteString(res.Stderr)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (b *builtins) exec(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if b.env.Sandbox == nil {
		return nil, Errorf(CodeUnavailable, "no sandbox is configured")
	}
	res, err := b.env.Sandbox.Exec(ctx, b.env.SandboxToken, req)
	if err != nil {
		if errors.Is(err, ErrInvalidSandboxToken) {
			return nil, Errorf(CodeDenied, "sandbox rejected the request: %v", err)
		}
		var te *ToolError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, Errorf(CodeFailed, "%v", err)
	}
	return res, nil
}

// DiagnosticsArgs are the arguments of get_diagnostics.
type DiagnosticsArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Restrict findings to files under this path"`
}

// Finding is one diagnostic reported by get_diagnostics.
type Finding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

var findingPattern = regexp.MustCompile(`^(?:\./)?([^\s:][^:]*):(\d+)(?::(\d+))?:\s*(.+)$`)

func (b *builtins) getDiagnostics(ctx context.Context, _ Invocation, args DiagnosticsArgs) (any, error) {
	command := b.env.DiagnosticsCommand
	if command == "" {
		return nil, Errorf(CodeUnavailable, "no diagnostics command is configured")
	}
	res, err := b.exec(ctx, CommandRequest{Command: command, Timeout: b.env.CommandTimeout})
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(args.Path)), "./")
	if prefix == "." {
		prefix = ""
	}
	findings := ParseFindings(res.Stdout + "\n" + res.Stderr)
	filtered := make([]any, 0, len(findings))
	for _, f := range findings {
		if prefix != "" && !strings.HasPrefix(f.File, prefix) {
			continue
		}
		filtered = append(filtered, map[string]any{
			"file":     f.File,
			"line":     f.Line,
			"column":   f.Column,
			"severity": f.Severity,
			"message":  f.Message,
		})
	}
	return map[string]any{
		"command":   command,
		"exit_code": res.ExitCode,
		"clean":     res.ExitCode == 0 && len(filtered) == 0,
		"findings":  filtered,
	}, nil
}

// ParseFindings extracts file:line[:col]: message lines from tool output.
func ParseFindings(output string) []Finding {
	var out []Finding
	for _, line := range strings.Split(output, "\n") {
		m := findingPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		severity := "error"
		msg := m[4]
		lower := strings.ToLower(msg)
		if strings.HasPrefix(lower, "warning") {
			severity = "warning"
			msg = strings.TrimSpace(strings.TrimPrefix(msg[len("warning"):], ":"))
		} else if strings.HasPrefix(lower, "error:") {
			msg = strings.TrimSpace(msg[len("error:"):])
		}
		out = append(out, Finding{File: m[1], Line: n, Column: col, Severity: severity, Message: msg})
	}
	return out
}

// TaskArg is one item of update_task_list.
type TaskArg struct {
	Title  string `json:"title" jsonschema:"minLength=1"`
	Status string `json:"status" jsonschema:"enum=pending,enum=in_progress,enum=done"`
}

// UpdateTaskListArgs are the arguments of update_task_list.
type UpdateTaskListArgs struct {
	Tasks []TaskArg `json:"tasks"`
}

func (b *builtins) updateTaskList(ctx context.Context, inv Invocation, args UpdateTaskListArgs) (any, error) {
	if b.env.Tasks == nil {
		return nil, Errorf(CodeUnavailable, "task list storage is not configured")
	}
	items := make([]domain.TaskItem, 0, len(args.Tasks))
	done := 0
	for _, t := range args.Tasks {
		status := domain.TaskStatus(t.Status)
		if status == domain.TaskStatusDone {
			done++
		}
		items = append(items, domain.TaskItem{Title: t.Title, Status: status})
	}
	if err := b.env.Tasks.SaveTaskList(ctx, inv.RunID, items); err != nil {
		return nil, Errorf(CodeFailed, "save task list: %v", err)
	}
	return map[string]any{"tasks": len(items), "done": done}, nil
}

// KnowledgeStoreArgs are the arguments of knowledge_store.
type KnowledgeStoreArgs struct {
	Key     string   `json:"key" jsonschema:"minLength=1"`
	Content string   `json:"content" jsonschema:"minLength=1"`
	Tags    []string `json:"tags,omitempty"`
}

func (b *builtins) knowledgeStore(ctx context.Context, inv Invocation, args KnowledgeStoreArgs) (any, error) {
	if b.env.Knowledge == nil {
		return nil, Errorf(CodeUnavailable, "knowledge base is not configured")
	}
	entry := &domain.KnowledgeEntry{
		UserID:    inv.UserID,
		ProjectID: inv.ProjectID,
		Key:       args.Key,
		Content:   args.Content,
		Tags:      args.Tags,
	}
	if err := b.env.Knowledge.SaveKnowledge(ctx, entry); err != nil {
		return nil, Errorf(CodeFailed, "save knowledge: %v", err)
	}
	return map[string]any{"stored": true, "entry_id": entry.EntryID, "key": args.Key}, nil
}

// KnowledgeRecallArgs are the arguments of knowledge_recall.
type KnowledgeRecallArgs struct {
	Query string `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

func (b *builtins) knowledgeRecall(ctx context.Context, inv Invocation, args KnowledgeRecallArgs) (any, error) {
	if b.env.Knowledge == nil {
		return nil, Errorf(CodeUnavailable, "knowledge base is not configured")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultRecall
	}
	entries, err := b.env.Knowledge.RecallKnowledge(ctx, inv.UserID, inv.ProjectID, args.Query, limit)
	if err != nil {
		return nil, Errorf(CodeFailed, "recall knowledge: %v", err)
	}
	return map[string]any{"entries": entries, "count": len(entries)}, nil
}

// WebSearchArgs are the arguments of web_search.
type WebSearchArgs struct {
	Query      string `json:"query" jsonschema:"minLength=1"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=20"`
}

func (b *builtins) webSearch(ctx context.Context, _ Invocation, args WebSearchArgs) (any, error) {
	if b.env.Web == nil {
		return nil, Errorf(CodeUnavailable, "web search is not configured")
	}
	limit := args.MaxResults
	if limit <= 0 {
		limit = 5
	}
	hits, err := b.env.Web.Search(ctx, args.Query, limit)
	if err != nil {
		return nil, Errorf(CodeFailed, "web search: %v", err)
	}
	return map[string]any{"query": args.Query, "results": hits}, nil
}
