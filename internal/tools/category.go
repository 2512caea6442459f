package tools

// Category groups tools by the kind of side effect they have. Workflow phases
// gate tool calls by category.
type Category string

const (
	CategoryRead        Category = "read"
	CategorySearch      Category = "search"
	CategoryWrite       Category = "write"
	CategoryShell       Category = "shell"
	CategoryDiagnostics Category = "diagnostics"
	CategoryTask        Category = "task"
	CategoryKnowledge   Category = "knowledge"
	CategoryWeb         Category = "web"
	CategoryWorkflow    Category = "workflow"
)
