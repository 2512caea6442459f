package engine

import (
	"fmt"
	"regexp"

	"github.com/xiaot623/archetype/internal/jsonheal"
)

var (
	// Gemini reports malformed calls as Python-ish source,
	// e.g. "print(default_api.write_file(path=...".
	defaultAPIPattern = regexp.MustCompile(`default_api\.([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	callPattern       = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// recoverToolName finds the tool the model meant to call in the partial
// content of a malformed call. It returns "" when nothing is recoverable.
func recoverToolName(known map[string]bool, sources ...string) string {
	accept := func(name string) bool {
		return name != "" && (len(known) == 0 || known[name])
	}

	for _, src := range sources {
		for _, m := range defaultAPIPattern.FindAllStringSubmatch(src, -1) {
			if accept(m[1]) {
				return m[1]
			}
		}
	}
	for _, src := range sources {
		if call := jsonheal.Heal(src); call != nil && accept(call.Name) {
			return call.Name
		}
	}
	if len(known) == 0 {
		return ""
	}
	for _, src := range sources {
		for _, m := range callPattern.FindAllStringSubmatch(src, -1) {
			if known[m[1]] {
				return m[1]
			}
		}
	}
	return ""
}

func correctiveInstruction(tool string) string {
	target := "a tool"
	if tool != "" {
		target = fmt.Sprintf("the %s tool", tool)
	}
	return fmt.Sprintf("Your previous response tried to call %s but the function call was malformed. "+
		"Respond again with a single structured function call only: use the tool's declared name and a JSON "+
		"object of arguments. Do not write code, print statements, markdown, or prose around the call.", target)
}

func degradedText(attempts int, tool string) string {
	if tool != "" {
		return fmt.Sprintf("I could not produce a valid call to %s after %d attempts. "+
			"Please rephrase the request or split it into smaller steps.", tool, attempts)
	}
	return fmt.Sprintf("I could not produce a valid tool call after %d attempts. "+
		"Please rephrase the request or split it into smaller steps.", attempts)
}
