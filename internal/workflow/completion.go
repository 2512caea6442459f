package workflow

import "fmt"

// RequirementKind distinguishes why a completion requirement is unmet.
type RequirementKind string

const (
	// NeverReached means the phase was never entered since the last reset.
	NeverReached RequirementKind = "never_reached"
	// Unconfirmed means the phase was entered but its outcome was never confirmed.
	Unconfirmed RequirementKind = "unconfirmed"
	// Failed means the outcome was confirmed as unsuccessful.
	Failed RequirementKind = "failed"
)

// Requirement is one unmet completion requirement.
type Requirement struct {
	Phase   Phase           `json:"phase"`
	Kind    RequirementKind `json:"kind"`
	Message string          `json:"message"`
}

// Completion is the result of ValidateWorkflowCompletion.
type Completion struct {
	Complete bool          `json:"complete"`
	Phase    Phase         `json:"phase"`
	Unmet    []Requirement `json:"unmet,omitempty"`
}

type requirement struct {
	phase   Phase
	label   string
	outcome func(Confirmations) *bool
}

var requirements = []requirement{
	{PhaseTest, "tests", func(c Confirmations) *bool { return c.TestsPassed }},
	{PhaseVerify, "verification", func(c Confirmations) *bool { return c.Verified }},
	{PhaseCommit, "commit", func(c Confirmations) *bool { return c.Committed }},
}

// ValidateWorkflowCompletion reports whether the run satisfied every
// requirement. Visiting a phase is not enough: tests, verification and (when
// required) the commit each need an explicit successful confirmation.
func (v *Validator) ValidateWorkflowCompletion() Completion {
	v.mu.Lock()
	defer v.mu.Unlock()

	reached := v.reachedSinceReset()
	out := Completion{Phase: v.state.Phase}

	for _, req := range requirements {
		if req.phase == PhaseCommit && !v.cfg.RequireCommit {
			continue
		}
		outcome := req.outcome(v.state.Confirmations)
		switch {
		case !reached[req.phase]:
			out.Unmet = append(out.Unmet, Requirement{
				Phase:   req.phase,
				Kind:    NeverReached,
				Message: fmt.Sprintf("%s phase was never reached", req.phase),
			})
		case outcome == nil:
			out.Unmet = append(out.Unmet, Requirement{
				Phase:   req.phase,
				Kind:    Unconfirmed,
				Message: fmt.Sprintf("%s phase was reached but %s were never confirmed", req.phase, req.label),
			})
		case !*outcome:
			out.Unmet = append(out.Unmet, Requirement{
				Phase:   req.phase,
				Kind:    Failed,
				Message: fmt.Sprintf("%s confirmed as failed", req.label),
			})
		}
	}

	if c := v.state.Confirmations.Compiled; c != nil && !*c {
		out.Unmet = append(out.Unmet, Requirement{
			Phase:   PhaseVerify,
			Kind:    Failed,
			Message: "compilation confirmed as failed",
		})
	}

	out.Complete = len(out.Unmet) == 0
	return out
}

// reachedSinceReset returns the phases entered since the most recent assess entry.
func (v *Validator) reachedSinceReset() map[Phase]bool {
	start := 0
	for i, e := range v.state.History {
		if e.Phase == PhaseAssess {
			start = i
		}
	}
	reached := make(map[Phase]bool)
	for _, e := range v.state.History[start:] {
		reached[e.Phase] = true
	}
	reached[v.state.Phase] = true
	return reached
}
