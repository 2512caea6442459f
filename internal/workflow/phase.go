// Package workflow enforces the assess/plan/execute/test/verify/confirm/commit
// discipline on an agent run.
package workflow

import (
	"regexp"
	"strings"

	"github.com/xiaot623/archetype/internal/tools"
)

// Phase is one step of the engineering workflow.
type Phase string

const (
	PhaseAssess    Phase = "assess"
	PhasePlan      Phase = "plan"
	PhaseExecute   Phase = "execute"
	PhaseTest      Phase = "test"
	PhaseVerify    Phase = "verify"
	PhaseConfirm   Phase = "confirm"
	PhaseCommit    Phase = "commit"
	PhaseCompleted Phase = "completed"
)

var order = []Phase{
	PhaseAssess,
	PhasePlan,
	PhaseExecute,
	PhaseTest,
	PhaseVerify,
	PhaseConfirm,
	PhaseCommit,
	PhaseCompleted,
}

func (p Phase) index() int {
	for i, o := range order {
		if o == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.index() >= 0
}

// Phases returns the phases in workflow order.
func Phases() []Phase {
	out := make([]Phase, len(order))
	copy(out, order)
	return out
}

// marker is the emoji and keyword an agent writes to announce a phase.
type marker struct {
	emoji   string
	keyword string
	phase   Phase
}

var markers = []marker{
	{"\U0001F50D", "ASSESS", PhaseAssess},
	{"\U0001F4CB", "PLAN", PhasePlan},
	{"\u26a1", "EXECUTE", PhaseExecute},
	{"\U0001F9EA", "TEST", PhaseTest},
	{"\u2705", "VERIFY", PhaseVerify},
	{"\U0001F91D", "CONFIRM", PhaseConfirm},
	{"\U0001F4E6", "COMMIT", PhaseCommit},
	{"\U0001F3C1", "COMPLETE", PhaseCompleted},
}

// Marker returns the announcement text for a phase, e.g. "🔍 ASSESS".
func Marker(p Phase) string {
	for _, m := range markers {
		if m.phase == p {
			return m.emoji + " " + m.keyword
		}
	}
	return ""
}

// announcementPattern matches an emoji immediately followed (allowing a
// variation selector, markdown emphasis, and spaces) by a word.
var announcementPattern = func() *regexp.Regexp {
	emojis := make([]string, 0, len(markers))
	for _, m := range markers {
		emojis = append(emojis, regexp.QuoteMeta(m.emoji))
	}
	return regexp.MustCompile(`(` + strings.Join(emojis, "|") + `)\x{FE0F}?[\s*_:]*([A-Za-z]+)`)
}()

// DetectAnnouncements returns every phase announced in text, in order.
// A keyword without its own emoji marker is not an announcement.
func DetectAnnouncements(text string) []Phase {
	var phases []Phase
	for _, match := range announcementPattern.FindAllStringSubmatch(text, -1) {
		emoji, word := match[1], strings.ToUpper(match[2])
		for _, m := range markers {
			if m.emoji != emoji {
				continue
			}
			if word == m.keyword || (m.phase == PhaseCompleted && word == "COMPLETED") {
				phases = append(phases, m.phase)
			}
			break
		}
	}
	return phases
}

// DetectAnnouncement returns the last phase announced in text.
func DetectAnnouncement(text string) (Phase, bool) {
	phases := DetectAnnouncements(text)
	if len(phases) == 0 {
		return "", false
	}
	return phases[len(phases)-1], true
}

var readOnly = []tools.Category{
	tools.CategoryRead,
	tools.CategorySearch,
	tools.CategoryDiagnostics,
	tools.CategoryKnowledge,
	tools.CategoryTask,
	tools.CategoryWeb,
}

// allowedCategories is the per-phase tool allow-list. Workflow tools are
// permitted in every phase and are not listed.
var allowedCategories = map[Phase][]tools.Category{
	PhaseAssess: readOnly,
	PhasePlan:   readOnly,
	PhaseExecute: append(append([]tools.Category{}, readOnly...),
		tools.CategoryWrite, tools.CategoryShell),
	PhaseTest: append(append([]tools.Category{}, readOnly...),
		tools.CategoryWrite, tools.CategoryShell),
	PhaseVerify:    append(append([]tools.Category{}, readOnly...), tools.CategoryShell),
	PhaseConfirm:   readOnly,
	PhaseCommit:    append(append([]tools.Category{}, readOnly...), tools.CategoryShell),
	PhaseCompleted: {tools.CategoryRead, tools.CategorySearch, tools.CategoryKnowledge, tools.CategoryTask},
}

// CategoryAllowed reports whether a tool category may run during phase p.
func CategoryAllowed(p Phase, c tools.Category) bool {
	if c == tools.CategoryWorkflow {
		return true
	}
	for _, allowed := range allowedCategories[p] {
		if allowed == c {
			return true
		}
	}
	return false
}
