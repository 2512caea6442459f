package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/policy"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/sanitize"
	"github.com/xiaot623/archetype/internal/tools"
	"github.com/xiaot623/archetype/internal/workflow"
)

// ToolInvocation is one tool call in the context of a run. Args may be an
// object, a JSON string or raw JSON; anything else becomes an empty object.
type ToolInvocation struct {
	RunID     string
	SessionID string
	UserID    string
	ProjectID string
	CallID    string
	Name      string
	Args      any
}

// ExecuteTool runs one tool call through the full dispatch pipeline: argument
// coercion and schema validation, the workflow gate, the argument policy,
// the handler (bounded by the tool timeout), result validation and
// truncation. Every failure comes back as an error-tagged result.
func (s *Service) ExecuteTool(ctx context.Context, inv ToolInvocation) domain.ToolResult {
	started := time.Now()
	if inv.CallID == "" {
		inv.CallID = "call_" + uuid.New().String()[:8]
	}
	ctx, span := s.tracer.Start(ctx, "service.ExecuteTool", trace.WithAttributes(
		attribute.String("tool.name", inv.Name),
		attribute.String("run_id", inv.RunID),
	))
	defer span.End()

	run := &domain.AgentRun{RunID: inv.RunID, SessionID: inv.SessionID, UserID: inv.UserID}
	fail := func(err error) domain.ToolResult {
		code := tools.CodeOf(err)
		s.metrics.ToolExecuted(inv.Name, code)
		span.SetStatus(codes.Error, err.Error())
		res := domain.ToolResult{
			ToolCallID: inv.CallID,
			Name:       inv.Name,
			Content:    sanitize.Text(fmt.Sprintf("Error [%s]: %s", code, err.Error())),
			IsError:    true,
		}
		s.recordToolResult(ctx, run, res, len(res.Content), len(res.Content), started)
		return res
	}

	tool, ok := s.registry.Get(inv.Name)
	if !ok {
		return fail(tools.Errorf(tools.CodeNotFound, "unknown tool: %s", inv.Name))
	}
	args := domain.CoerceArgs(inv.Args)
	if err := s.registry.ValidateArgs(inv.Name, args); err != nil {
		return fail(err)
	}

	var phase workflow.Phase
	if inv.RunID != "" {
		v, err := s.validator(ctx, inv.RunID)
		if err != nil {
			return fail(err)
		}
		phase = v.Phase()
		decision := v.ValidateToolCall(inv.Name, tool.Category)
		if decision.Reason != "" {
			s.metrics.Violation(string(workflow.ViolationTool), decision.Enforced)
			s.emit(ctx, run, domain.EventTypeWorkflowViolation, domain.WorkflowViolationPayload{
				Phase:    string(phase),
				ToolName: inv.Name,
				Reason:   decision.Reason,
				Enforced: decision.Enforced,
			})
		}
		if !decision.Allowed {
			return fail(tools.Errorf(tools.CodeDenied, "%s", decision.Reason))
		}
	}

	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, policy.Input{
			ToolName: inv.Name,
			Category: string(tool.Category),
			Args:     args,
			UserID:   inv.UserID,
			RunID:    inv.RunID,
			Phase:    string(phase),
		})
		if err != nil {
			slog.Error("policy evaluation failed", "tool", inv.Name, "error", err)
			return fail(tools.Errorf(tools.CodeDenied, "policy evaluation failed"))
		}
		if !decision.Allowed {
			reason := strings.Join(decision.Reasons, "; ")
			s.emit(ctx, run, domain.EventTypePolicyDecision, domain.PolicyDecisionPayload{
				ToolCallID: inv.CallID,
				ToolName:   inv.Name,
				Decision:   "block",
				Reason:     reason,
			})
			return fail(tools.Errorf(tools.CodeDenied, "blocked by policy: %s", reason))
		}
	}

	execCtx := ctx
	if s.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.config.ToolTimeout)
		defer cancel()
	}
	raw, err := s.registry.Execute(execCtx, inv.Name, tools.Invocation{
		RunID:     inv.RunID,
		SessionID: inv.SessionID,
		UserID:    inv.UserID,
		ProjectID: inv.ProjectID,
		CallID:    inv.CallID,
		Args:      args,
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = tools.Errorf(tools.CodeTimeout, "%s timed out after %s", inv.Name, s.config.ToolTimeout)
		}
		span.RecordError(err)
		return fail(err)
	}

	cleaned, err := tools.ValidateResult(raw)
	if err != nil {
		return fail(err)
	}
	tr := s.truncator.Truncate(inv.Name, cleaned)

	res := domain.ToolResult{
		ToolCallID: inv.CallID,
		Name:       inv.Name,
		Content:    tr.Content,
		Truncated:  tr.WasTruncated,
	}
	s.metrics.ToolExecuted(inv.Name, "ok")
	s.recordToolResult(ctx, run, res, tr.OriginalSize, tr.TruncatedSize, started)
	return res
}

func (s *Service) recordToolResult(ctx context.Context, run *domain.AgentRun, res domain.ToolResult, original, truncated int, started time.Time) {
	if run.RunID == "" {
		return
	}
	payload := domain.ToolResultPayload{
		ToolCallID:    res.ToolCallID,
		ToolName:      res.Name,
		IsError:       res.IsError,
		Truncated:     res.Truncated,
		OriginalSize:  original,
		TruncatedSize: truncated,
		DurationMs:    time.Since(started).Milliseconds(),
	}
	if err := s.recordEvent(ctx, run.RunID, domain.EventTypeToolResult, payload); err != nil {
		slog.Error("failed to record tool_result event", "run_id", run.RunID, "tool", res.Name, "error", err)
	}
}

// InvokeTool runs a tool directly on behalf of an existing run.
func (s *Service) InvokeTool(ctx context.Context, toolName string, req domain.ToolInvokeRequest) (*domain.ToolInvokeResponse, error) {
	if req.RunID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	run, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, store.ErrRunNotFound
	}
	if run.Status != domain.RunStatusRunning {
		return nil, fmt.Errorf("%w: run is %s", store.ErrRunNotRunning, run.Status)
	}
	if _, ok := s.registry.Get(toolName); !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	res := s.ExecuteTool(ctx, ToolInvocation{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		UserID:    run.UserID,
		ProjectID: run.ProjectID,
		CallID:    req.ToolCallID,
		Name:      toolName,
		Args:      json.RawMessage(req.Args),
	})
	resp := &domain.ToolInvokeResponse{
		Status:     "succeeded",
		ToolCallID: res.ToolCallID,
		Result:     res.Content,
		Truncated:  res.Truncated,
	}
	if res.IsError {
		resp.Status = "failed"
		resp.Result = ""
		resp.Error = &domain.ToolError{Code: errorCode(res.Content), Message: res.Content}
	}
	return resp, nil
}

// errorCode extracts the code from an "Error [code]: ..." result.
func errorCode(content string) string {
	rest, ok := strings.CutPrefix(content, "Error [")
	if !ok {
		return tools.CodeFailed
	}
	code, _, ok := strings.Cut(rest, "]")
	if !ok {
		return tools.CodeFailed
	}
	return code
}

// ListTools returns the registered tools with their schemas.
func (s *Service) ListTools() *domain.ListToolsResponse {
	list := s.registry.List()
	items := make([]domain.ToolListItem, 0, len(list))
	for _, t := range list {
		item := domain.ToolListItem{
			Name:        t.Name,
			Description: t.Description,
			Category:    string(t.Category),
		}
		if t.Schema != nil {
			if data, err := json.Marshal(t.Schema); err == nil {
				item.Schema = data
			}
		}
		items = append(items, item)
	}
	return &domain.ListToolsResponse{Tools: items}
}
