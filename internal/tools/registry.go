package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xiaot623/archetype/internal/adapter/llm"
)

// Invocation is one call of a tool on behalf of a run.
type Invocation struct {
	RunID     string
	SessionID string
	UserID    string
	ProjectID string
	CallID    string
	Args      map[string]any
}

// ExecutorFunc defines a server-side tool executor. The returned value is
// passed through ValidateResult before anyone sees it.
type ExecutorFunc func(ctx context.Context, inv Invocation) (any, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	Category    Category
	Schema      map[string]any
	Exec        ExecutorFunc

	compiled *jsonschema.Schema
}

// Registry stores tools keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool. Its schema, when present, is compiled up front.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Exec == nil {
		return fmt.Errorf("executor is required")
	}
	if t.Category == "" {
		return fmt.Errorf("category is required for %s", t.Name)
	}
	if t.Schema != nil {
		compiled, err := compileSchema(t.Schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", t.Name, err)
		}
		t.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// List returns all tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns the declarations handed to the model.
func (r *Registry) Specs() []llm.ToolSpec {
	list := r.List()
	specs := make([]llm.ToolSpec, 0, len(list))
	for _, t := range list {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return specs
}

// ValidateArgs checks args against the tool's schema.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	t, ok := r.Get(name)
	if !ok {
		return Errorf(CodeNotFound, "unknown tool: %s", name)
	}
	if t.compiled == nil {
		return nil
	}
	if err := validateAgainst(t.compiled, args); err != nil {
		return Errorf(CodeInvalidArgs, "invalid arguments for %s: %v", name, err)
	}
	return nil
}

// Execute runs the executor for the tool name. The raw result is returned
// unvalidated; callers run it through ValidateResult.
func (r *Registry) Execute(ctx context.Context, name string, inv Invocation) (any, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown tool: %s", name)
	}
	if inv.Args == nil {
		inv.Args = map[string]any{}
	}
	return t.Exec(ctx, inv)
}
