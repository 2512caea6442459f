package policy

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Input is what a tool policy sees.
type Input struct {
	ToolName string         `json:"tool_name"`
	Category string         `json:"category"`
	Args     map[string]any `json:"args"`
	UserID   string         `json:"user_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Phase    string         `json:"phase,omitempty"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The
// policy lives in package tool_policy and contributes reasons to the deny set.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.deny"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine reads the policy from path, or uses DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks a tool call against the policy.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.Args == nil {
		in.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allowed: true}, nil
	}

	var reasons []string
	switch val := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case string:
		reasons = append(reasons, val)
	}
	sort.Strings(reasons)
	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

destructive_commands := [
	` + "`" + `rm\s+-[a-zA-Z]*[rRfF][a-zA-Z]*\s+(/|~|\$HOME)(\s|$|\*)` + "`" + `,
	` + "`" + `\bmkfs(\.[a-z0-9]+)?\b` + "`" + `,
	` + "`" + `\bdd\s+if=.*\bof=/dev/` + "`" + `,
	` + "`" + `:\(\)\s*\{\s*:\|:&\s*\};:` + "`" + `,
	` + "`" + `\b(shutdown|reboot|halt|poweroff)\b` + "`" + `,
	` + "`" + `git\s+push\s+.*(--force|-f)\b` + "`" + `,
	` + "`" + `(curl|wget)[^|]*\|\s*(sudo\s+)?(ba|z)?sh\b` + "`" + `,
	` + "`" + `\bchmod\s+-R\s+777\s+/` + "`" + `,
]

protected_prefixes := [".git/", ".env", ".ssh/"]

# Block destructive shell commands.
deny[msg] {
	input.category == "shell"
	pattern := destructive_commands[_]
	regex.match(pattern, input.args.command)
	msg := sprintf("command %q matches a destructive pattern", [input.args.command])
}

# Block writes into protected paths.
deny[msg] {
	input.category == "write"
	path := trim_prefix(input.args.path, "./")
	prefix := protected_prefixes[_]
	startswith(path, prefix)
	msg := sprintf("writing to %s is not allowed", [input.args.path])
}
`
