// Package truncate bounds tool output before it re-enters the model context.
package truncate

import "slices"

// Category selects the truncation strategy for a tool's output.
type Category string

const (
	CategorySearch      Category = "search"
	CategoryRead        Category = "read"
	CategoryDiagnostics Category = "diagnostics"
	CategoryGeneric     Category = "generic"
)

const (
	defaultCharsPerToken = 4
	minBudgetTokens      = 64
	defaultMaxFindings   = 50
)

// Budgets is the externally configurable truncation surface. Token ceilings
// resolve per tool first, then per category, then Default.
type Budgets struct {
	CharsPerToken  int                 `yaml:"chars_per_token" json:"chars_per_token"`
	Default        int                 `yaml:"default" json:"default"`
	Categories     map[Category]int    `yaml:"categories" json:"categories"`
	Tools          map[string]int      `yaml:"tools" json:"tools"`
	ToolCategories map[string]Category `yaml:"tool_categories" json:"tool_categories"`
	Exempt         []string            `yaml:"exempt" json:"exempt"`
	MaxFindings    int                 `yaml:"max_findings" json:"max_findings"`
}

// DefaultBudgets returns the built-in budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		CharsPerToken: defaultCharsPerToken,
		Default:       4000,
		Categories: map[Category]int{
			CategorySearch:      2000,
			CategoryRead:        6000,
			CategoryDiagnostics: 3000,
			CategoryGeneric:     4000,
		},
		Tools: map[string]int{},
		ToolCategories: map[string]Category{
			"search_files":    CategorySearch,
			"list_files":      CategorySearch,
			"read_file":       CategoryRead,
			"get_diagnostics": CategoryDiagnostics,
			"run_command":     CategoryGeneric,
		},
		Exempt: []string{
			"update_task_list",
			"knowledge_store",
			"knowledge_recall",
			"write_file",
			"web_search",
		},
		MaxFindings: defaultMaxFindings,
	}
}

// Normalize fills zero values from the defaults and clamps ceilings to a sane minimum.
func (b Budgets) Normalize() Budgets {
	def := DefaultBudgets()
	if b.CharsPerToken <= 0 {
		b.CharsPerToken = def.CharsPerToken
	}
	if b.Default <= 0 {
		b.Default = def.Default
	}
	b.Default = max(b.Default, minBudgetTokens)
	if b.MaxFindings <= 0 {
		b.MaxFindings = def.MaxFindings
	}

	categories := make(map[Category]int, len(def.Categories))
	for k, v := range def.Categories {
		categories[k] = v
	}
	for k, v := range b.Categories {
		if v > 0 {
			categories[k] = max(v, minBudgetTokens)
		}
	}
	b.Categories = categories

	tools := make(map[string]int, len(b.Tools))
	for k, v := range b.Tools {
		if v > 0 {
			tools[k] = max(v, minBudgetTokens)
		}
	}
	b.Tools = tools

	toolCategories := make(map[string]Category, len(def.ToolCategories)+len(b.ToolCategories))
	for k, v := range def.ToolCategories {
		toolCategories[k] = v
	}
	for k, v := range b.ToolCategories {
		toolCategories[k] = v
	}
	b.ToolCategories = toolCategories

	if b.Exempt == nil {
		b.Exempt = def.Exempt
	}
	b.Exempt = slices.Clone(b.Exempt)
	return b
}

// CategoryFor returns the strategy category for a tool.
func (b Budgets) CategoryFor(toolName string) Category {
	if c, ok := b.ToolCategories[toolName]; ok {
		return c
	}
	return CategoryGeneric
}

// TokensFor returns the token ceiling for a tool.
func (b Budgets) TokensFor(toolName string) int {
	if v, ok := b.Tools[toolName]; ok {
		return v
	}
	if v, ok := b.Categories[b.CategoryFor(toolName)]; ok {
		return v
	}
	return b.Default
}

// IsExempt reports whether a tool's output is never truncated.
func (b Budgets) IsExempt(toolName string) bool {
	return slices.Contains(b.Exempt, toolName)
}
