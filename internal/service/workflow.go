package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/tools"
	"github.com/xiaot623/archetype/internal/workflow"
)

// workflowRecord is the persisted form of a run's validator.
type workflowRecord struct {
	Config workflow.Config `json:"config"`
	State  workflow.State  `json:"state"`
}

// WorkflowView is a read-only view of a run's workflow.
type WorkflowView struct {
	RunID      string              `json:"run_id"`
	Config     workflow.Config     `json:"config"`
	State      workflow.State      `json:"state"`
	Completion workflow.Completion `json:"completion"`
}

func (s *Service) workflowConfig(mode *domain.WorkflowMode) workflow.Config {
	cfg := workflow.Config{
		Strict:         s.config.WorkflowStrict,
		StallThreshold: s.config.WorkflowStallThreshold,
		RequireCommit:  s.config.WorkflowRequireCommit,
	}
	if mode == nil {
		return cfg
	}
	if mode.Strict != nil {
		cfg.Strict = *mode.Strict
	}
	if mode.StallThreshold > 0 {
		cfg.StallThreshold = mode.StallThreshold
	}
	if mode.RequireCommit != nil {
		cfg.RequireCommit = *mode.RequireCommit
	}
	return cfg
}

// startWorkflow creates the validator of a new run.
func (s *Service) startWorkflow(ctx context.Context, runID string, mode *domain.WorkflowMode) *workflow.Validator {
	v := workflow.New(s.workflowConfig(mode))
	s.validators.Store(runID, v)
	s.saveWorkflow(ctx, runID, v)
	return v
}

// validator returns the run's validator, restoring it from its persisted
// snapshot when it is not in memory.
func (s *Service) validator(ctx context.Context, runID string) (*workflow.Validator, error) {
	if v, ok := s.validators.Load(runID); ok {
		return v.(*workflow.Validator), nil
	}
	raw, err := s.store.GetWorkflowState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	var v *workflow.Validator
	if raw == nil {
		v = workflow.New(s.workflowConfig(nil))
	} else {
		var rec workflowRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode workflow state: %w", err)
		}
		v = workflow.Restore(rec.Config, rec.State)
	}
	actual, _ := s.validators.LoadOrStore(runID, v)
	return actual.(*workflow.Validator), nil
}

func (s *Service) saveWorkflow(ctx context.Context, runID string, v *workflow.Validator) {
	data, err := json.Marshal(workflowRecord{Config: v.Config(), State: v.Snapshot()})
	if err != nil {
		slog.Error("failed to encode workflow state", "run_id", runID, "error", err)
		return
	}
	if err := s.store.SaveWorkflowState(ctx, runID, data); err != nil {
		slog.Error("failed to save workflow state", "run_id", runID, "error", err)
	}
}

// releaseWorkflow persists and drops the in-memory validator of a run.
func (s *Service) releaseWorkflow(ctx context.Context, runID string) {
	if v, ok := s.validators.LoadAndDelete(runID); ok {
		s.saveWorkflow(ctx, runID, v.(*workflow.Validator))
	}
}

// GetWorkflow returns the workflow state of a run.
func (s *Service) GetWorkflow(ctx context.Context, runID string) (*WorkflowView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, store.ErrRunNotFound
	}
	v, err := s.validator(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == domain.RunStatusCompleted {
		s.validators.Delete(runID)
	}
	return &WorkflowView{
		RunID:      runID,
		Config:     v.Config(),
		State:      v.Snapshot(),
		Completion: v.ValidateWorkflowCompletion(),
	}, nil
}

// observeTurn feeds an assistant turn to the validator and records the
// resulting transitions and violations.
func (s *Service) observeTurn(ctx context.Context, run *domain.AgentRun, v *workflow.Validator, text string) workflow.TurnObservation {
	before := v.Phase()
	obs := v.ObserveTurn(text)
	from := before
	for _, p := range obs.Transitions {
		s.emit(ctx, run, domain.EventTypeWorkflowTransition, domain.WorkflowTransitionPayload{From: string(from), To: string(p)})
		from = p
	}
	for _, reason := range obs.Denied {
		s.metrics.Violation(string(workflow.ViolationTransition), v.Config().Strict)
		s.emit(ctx, run, domain.EventTypeWorkflowViolation, domain.WorkflowViolationPayload{
			Phase:    string(v.Phase()),
			Reason:   reason,
			Enforced: v.Config().Strict,
		})
	}
	if obs.Stalled {
		s.metrics.Violation(string(workflow.ViolationStalled), v.Config().Strict)
	}
	s.saveWorkflow(ctx, run.RunID, v)
	return obs
}

// ConfirmTestsArgs are the arguments of confirm_tests.
type ConfirmTestsArgs struct {
	Passed  bool   `json:"passed" jsonschema:"description=Whether every test passed"`
	Summary string `json:"summary,omitempty" jsonschema:"description=Short test outcome summary"`
}

// ConfirmOutcomeArgs are the arguments of the other confirmation tools.
type ConfirmOutcomeArgs struct {
	OK      bool   `json:"ok" jsonschema:"description=Whether the step succeeded"`
	Summary string `json:"summary,omitempty"`
}

// PlanSkipArgs are the arguments of skip_plan.
type PlanSkipArgs struct {
	Reason string `json:"reason" jsonschema:"enum=trivial_change,enum=documentation_only,enum=single_line_fix,enum=user_provided_plan,enum=emergency_hotfix"`
}

// registerWorkflowTools exposes the validator's confirmation methods to the
// agent.
func (s *Service) registerWorkflowTools() error {
	confirm := func(apply func(v *workflow.Validator, ok bool)) func(ctx context.Context, inv tools.Invocation, ok bool) (any, error) {
		return func(ctx context.Context, inv tools.Invocation, ok bool) (any, error) {
			if inv.RunID == "" {
				return nil, tools.Errorf(tools.CodeUnavailable, "workflow confirmations need a run")
			}
			v, err := s.validator(ctx, inv.RunID)
			if err != nil {
				return nil, err
			}
			apply(v, ok)
			s.saveWorkflow(ctx, inv.RunID, v)
			return map[string]any{
				"phase":         v.Phase(),
				"confirmations": v.Snapshot().Confirmations,
			}, nil
		}
	}

	testsFn := confirm(func(v *workflow.Validator, ok bool) { v.ConfirmTestsRun(ok) })
	verifyFn := confirm(func(v *workflow.Validator, ok bool) { v.ConfirmVerification(ok) })
	compileFn := confirm(func(v *workflow.Validator, ok bool) { v.ConfirmCompilation(ok) })
	commitFn := confirm(func(v *workflow.Validator, ok bool) { v.ConfirmCommit(ok) })

	for _, t := range []tools.Tool{
		tools.Define("confirm_tests", "Report that the test suite was run and whether it passed.", tools.CategoryWorkflow,
			func(ctx context.Context, inv tools.Invocation, args ConfirmTestsArgs) (any, error) {
				return testsFn(ctx, inv, args.Passed)
			}),
		tools.Define("confirm_verification", "Report that the change was verified against the request.", tools.CategoryWorkflow,
			func(ctx context.Context, inv tools.Invocation, args ConfirmOutcomeArgs) (any, error) {
				return verifyFn(ctx, inv, args.OK)
			}),
		tools.Define("confirm_compilation", "Report whether the project compiles.", tools.CategoryWorkflow,
			func(ctx context.Context, inv tools.Invocation, args ConfirmOutcomeArgs) (any, error) {
				return compileFn(ctx, inv, args.OK)
			}),
		tools.Define("confirm_commit", "Report that the change was committed.", tools.CategoryWorkflow,
			func(ctx context.Context, inv tools.Invocation, args ConfirmOutcomeArgs) (any, error) {
				return commitFn(ctx, inv, args.OK)
			}),
		tools.Define("skip_plan", "Justify moving from assess straight to execute.", tools.CategoryWorkflow,
			func(ctx context.Context, inv tools.Invocation, args PlanSkipArgs) (any, error) {
				if inv.RunID == "" {
					return nil, tools.Errorf(tools.CodeUnavailable, "workflow confirmations need a run")
				}
				v, err := s.validator(ctx, inv.RunID)
				if err != nil {
					return nil, err
				}
				if err := v.RecordPlanSkip(args.Reason); err != nil {
					return nil, tools.Errorf(tools.CodeInvalidArgs, "%v", err)
				}
				s.saveWorkflow(ctx, inv.RunID, v)
				return map[string]any{"plan_skip_justification": args.Reason}, nil
			}),
	} {
		if _, exists := s.registry.Get(t.Name); exists {
			continue
		}
		if err := s.registry.Register(t); err != nil {
			return err
		}
	}
	return nil
}
