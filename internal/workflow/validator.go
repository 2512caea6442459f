package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/xiaot623/archetype/internal/tools"
)

var (
	// ErrTransitionDenied is returned when a phase change breaks the workflow order.
	ErrTransitionDenied = errors.New("workflow transition denied")
	// ErrInvalidSkipReason is returned for a plan-skip justification outside the accepted set.
	ErrInvalidSkipReason = errors.New("invalid plan skip justification")
)

// PlanSkipReasons are the only accepted justifications for assess → execute.
var PlanSkipReasons = []string{
	"trivial_change",
	"documentation_only",
	"single_line_fix",
	"user_provided_plan",
	"emergency_hotfix",
}

// Config selects how the validator enforces the workflow.
type Config struct {
	// Strict blocks denied tool calls. In passive mode denials are recorded
	// and logged but the call proceeds.
	Strict bool `json:"strict"`
	// StallThreshold is the number of consecutive turns without a phase
	// announcement after which the run counts as stalled.
	StallThreshold int `json:"stall_threshold"`
	// RequireCommit makes the commit step mandatory for completion.
	RequireCommit bool `json:"require_commit"`
}

// DefaultConfig returns passive enforcement with a stall threshold of 2.
func DefaultConfig() Config {
	return Config{
		Strict:         false,
		StallThreshold: 2,
		RequireCommit:  true,
	}
}

// PhaseEntry records when a phase was entered.
type PhaseEntry struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Confirmations hold the explicit outcomes reported by the agent. A nil field
// means the step was never confirmed.
type Confirmations struct {
	TestsPassed *bool `json:"tests_passed,omitempty"`
	Verified    *bool `json:"verified,omitempty"`
	Compiled    *bool `json:"compiled,omitempty"`
	Committed   *bool `json:"committed,omitempty"`
}

// ViolationKind classifies an audit entry.
type ViolationKind string

const (
	ViolationTransition ViolationKind = "transition_denied"
	ViolationTool       ViolationKind = "tool_denied"
	ViolationStalled    ViolationKind = "stalled"
)

// Violation is one audited workflow breach.
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Phase    Phase         `json:"phase"`
	Target   Phase         `json:"target,omitempty"`
	Tool     string        `json:"tool,omitempty"`
	Reason   string        `json:"reason"`
	Enforced bool          `json:"enforced"`
	At       time.Time     `json:"at"`
}

// State is the serializable workflow state of one run.
type State struct {
	Phase                       Phase         `json:"phase"`
	History                     []PhaseEntry  `json:"history"`
	Confirmations               Confirmations `json:"confirmations"`
	PlanSkipJustification       string        `json:"plan_skip_justification,omitempty"`
	IterationsSinceAnnouncement int           `json:"iterations_since_announcement"`
	Stalled                     bool          `json:"stalled"`
	Violations                  []Violation   `json:"violations,omitempty"`
}

// Decision is the answer to a transition request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ToolDecision is the answer to a tool-call check. Reason is set whenever the
// call breaks the workflow; Enforced tells whether it was blocked for it.
type ToolDecision struct {
	Allowed  bool   `json:"allowed"`
	Enforced bool   `json:"enforced"`
	Reason   string `json:"reason,omitempty"`
}

// TurnObservation summarizes what ObserveTurn saw in one assistant turn.
type TurnObservation struct {
	Announced   []Phase  `json:"announced,omitempty"`
	Transitions []Phase  `json:"transitions,omitempty"`
	Denied      []string `json:"denied,omitempty"`
	Stalled     bool     `json:"stalled"`
}

// Validator owns the workflow state of a single run. Tool calls of one turn
// may be checked concurrently, so access is serialized.
type Validator struct {
	mu    sync.Mutex
	cfg   Config
	state State
	now   func() time.Time
}

// New creates a validator starting in the assess phase.
func New(cfg Config) *Validator {
	v := &Validator{cfg: normalize(cfg), now: time.Now}
	v.state = State{
		Phase:   PhaseAssess,
		History: []PhaseEntry{{Phase: PhaseAssess, At: v.now()}},
	}
	return v
}

// Restore rebuilds a validator from a persisted state.
func Restore(cfg Config, s State) *Validator {
	v := &Validator{cfg: normalize(cfg), now: time.Now, state: cloneState(s)}
	if !v.state.Phase.Valid() {
		v.state.Phase = PhaseAssess
	}
	return v
}

func normalize(cfg Config) Config {
	if cfg.StallThreshold < 1 {
		cfg.StallThreshold = DefaultConfig().StallThreshold
	}
	return cfg
}

// Config returns the enforcement configuration.
func (v *Validator) Config() Config {
	return v.cfg
}

// Phase returns the current phase.
func (v *Validator) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.Phase
}

// Snapshot returns a copy of the current state.
func (v *Validator) Snapshot() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneState(v.state)
}

// Violations returns the audit list.
func (v *Validator) Violations() []Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.state.Violations)
}

// RecordPlanSkip records the justification that allows assess → execute.
func (v *Validator) RecordPlanSkip(reason string) error {
	if !slices.Contains(PlanSkipReasons, reason) {
		return fmt.Errorf("%w: %q", ErrInvalidSkipReason, reason)
	}
	v.mu.Lock()
	v.state.PlanSkipJustification = reason
	v.mu.Unlock()
	return nil
}

// CanTransitionTo reports whether the run may move to phase to.
func (v *Validator) CanTransitionTo(to Phase) Decision {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.canTransition(to)
}

func (v *Validator) canTransition(to Phase) Decision {
	from := v.state.Phase
	fi, ti := from.index(), to.index()

	switch {
	case ti < 0:
		return Decision{Reason: fmt.Sprintf("unknown phase %q", to)}
	case to == from:
		return Decision{Allowed: true}
	case to == PhaseAssess:
		return Decision{Allowed: true, Reason: "workflow reset"}
	case ti < fi:
		return Decision{Reason: fmt.Sprintf("cannot move back from %s to %s; announce %s to restart the workflow", from, to, Marker(PhaseAssess))}
	case ti == fi+1:
		return Decision{Allowed: true}
	case from == PhaseAssess && to == PhaseExecute:
		if v.state.PlanSkipJustification == "" {
			return Decision{Reason: "skipping plan requires a recorded justification"}
		}
		return Decision{Allowed: true, Reason: "plan skipped: " + v.state.PlanSkipJustification}
	case from == PhaseConfirm && to == PhaseCompleted && !v.cfg.RequireCommit:
		return Decision{Allowed: true, Reason: "commit not required"}
	default:
		return Decision{Reason: fmt.Sprintf("cannot skip from %s to %s", from, to)}
	}
}

// TransitionTo moves the run to phase to, or returns ErrTransitionDenied.
func (v *Validator) TransitionTo(to Phase) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transition(to)
}

func (v *Validator) transition(to Phase) error {
	d := v.canTransition(to)
	if !d.Allowed {
		v.record(Violation{Kind: ViolationTransition, Target: to, Reason: d.Reason, Enforced: true})
		return fmt.Errorf("%w: %s", ErrTransitionDenied, d.Reason)
	}
	v.state.IterationsSinceAnnouncement = 0
	v.state.Stalled = false
	if to == v.state.Phase {
		return nil
	}
	if to == PhaseAssess {
		v.state.Confirmations = Confirmations{}
		v.state.PlanSkipJustification = ""
	}
	v.state.Phase = to
	v.state.History = append(v.state.History, PhaseEntry{Phase: to, At: v.now()})
	return nil
}

// ObserveTurn inspects an assistant turn for phase announcements. Every
// announcement is attempted in order; a turn without one counts toward the
// stall threshold.
func (v *Validator) ObserveTurn(text string) TurnObservation {
	announced := DetectAnnouncements(text)

	v.mu.Lock()
	defer v.mu.Unlock()

	obs := TurnObservation{Announced: announced}
	if len(announced) == 0 {
		v.state.IterationsSinceAnnouncement++
		if !v.state.Stalled && v.state.IterationsSinceAnnouncement >= v.cfg.StallThreshold {
			v.state.Stalled = true
			v.record(Violation{
				Kind:     ViolationStalled,
				Reason:   fmt.Sprintf("no phase announced for %d turns", v.state.IterationsSinceAnnouncement),
				Enforced: v.cfg.Strict,
			})
		}
		obs.Stalled = v.state.Stalled
		return obs
	}

	v.state.IterationsSinceAnnouncement = 0
	v.state.Stalled = false
	for _, p := range announced {
		before := v.state.Phase
		if err := v.transition(p); err != nil {
			obs.Denied = append(obs.Denied, err.Error())
			slog.Warn("workflow transition denied", "from", before, "to", p, "error", err)
			continue
		}
		if p != before {
			obs.Transitions = append(obs.Transitions, p)
		}
	}
	return obs
}

// ValidateToolCall checks a tool call against the current phase. In strict
// mode a breach blocks the call; in passive mode it is recorded and allowed.
func (v *Validator) ValidateToolCall(tool string, category tools.Category) ToolDecision {
	v.mu.Lock()
	defer v.mu.Unlock()

	if category == tools.CategoryWorkflow {
		return ToolDecision{Allowed: true}
	}

	var reason string
	kind := ViolationTool
	switch {
	case v.state.Stalled:
		kind = ViolationStalled
		reason = fmt.Sprintf("no phase announced for %d turns; announce the current phase (e.g. %q) before calling %s",
			v.state.IterationsSinceAnnouncement, Marker(v.state.Phase), tool)
	case !CategoryAllowed(v.state.Phase, category):
		reason = fmt.Sprintf("%s tool %s is not permitted during the %s phase", category, tool, v.state.Phase)
	default:
		return ToolDecision{Allowed: true}
	}

	v.record(Violation{Kind: kind, Tool: tool, Reason: reason, Enforced: v.cfg.Strict})
	if v.cfg.Strict {
		return ToolDecision{Allowed: false, Enforced: true, Reason: reason}
	}
	slog.Warn("workflow violation (passive)", "tool", tool, "phase", v.state.Phase, "reason", reason)
	return ToolDecision{Allowed: true, Reason: reason}
}

// ConfirmTestsRun records that tests were run and whether they passed.
func (v *Validator) ConfirmTestsRun(passed bool) {
	v.mu.Lock()
	v.state.Confirmations.TestsPassed = &passed
	v.mu.Unlock()
}

// ConfirmVerification records the verification outcome.
func (v *Validator) ConfirmVerification(ok bool) {
	v.mu.Lock()
	v.state.Confirmations.Verified = &ok
	v.mu.Unlock()
}

// ConfirmCompilation records whether the code compiled.
func (v *Validator) ConfirmCompilation(ok bool) {
	v.mu.Lock()
	v.state.Confirmations.Compiled = &ok
	v.mu.Unlock()
}

// ConfirmCommit records the commit outcome.
func (v *Validator) ConfirmCommit(ok bool) {
	v.mu.Lock()
	v.state.Confirmations.Committed = &ok
	v.mu.Unlock()
}

func (v *Validator) record(violation Violation) {
	violation.Phase = v.state.Phase
	violation.At = v.now()
	v.state.Violations = append(v.state.Violations, violation)
}

func cloneState(s State) State {
	out := s
	out.History = slices.Clone(s.History)
	out.Violations = slices.Clone(s.Violations)
	out.Confirmations = Confirmations{
		TestsPassed: cloneBool(s.Confirmations.TestsPassed),
		Verified:    cloneBool(s.Confirmations.Verified),
		Compiled:    cloneBool(s.Confirmations.Compiled),
		Committed:   cloneBool(s.Confirmations.Committed),
	}
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
