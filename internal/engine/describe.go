package engine

import (
	"fmt"
	"strings"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/workflow"
)

// describeAction renders a short progress line for a tool call.
func describeAction(call domain.ToolCallRequest) string {
	arg := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := call.Args[k].(string); ok && s != "" {
				return shorten(s, 80)
			}
		}
		return ""
	}

	switch call.Name {
	case "read_file":
		if p := arg("file_path", "path"); p != "" {
			return "Reading " + p
		}
		return "Reading a file"
	case "list_files":
		if p := arg("path", "dir"); p != "" {
			return "Listing files in " + p
		}
		return "Listing files"
	case "search_files":
		if q := arg("pattern", "query"); q != "" {
			return fmt.Sprintf("Searching for %q", q)
		}
		return "Searching files"
	case "write_file":
		if p := arg("file_path", "path"); p != "" {
			return "Writing " + p
		}
		return "Writing a file"
	case "run_command":
		if c := arg("command"); c != "" {
			return fmt.Sprintf("Running `%s`", c)
		}
		return "Running a command"
	case "get_diagnostics":
		return "Checking diagnostics"
	case "update_task_list":
		return "Updating the task list"
	case "knowledge_store":
		return "Saving to the knowledge base"
	case "knowledge_recall":
		return "Recalling from the knowledge base"
	case "web_search":
		if q := arg("query"); q != "" {
			return fmt.Sprintf("Searching the web for %q", q)
		}
		return "Searching the web"
	case "confirm_tests":
		return "Confirming test results"
	case "confirm_verification":
		return "Confirming verification"
	case "confirm_commit":
		return "Confirming the commit"
	default:
		return "Calling " + call.Name
	}
}

func phaseThought(p workflow.Phase) string {
	return fmt.Sprintf("Entering the %s phase", p)
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
