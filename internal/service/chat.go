package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/engine"
	"github.com/xiaot623/archetype/internal/repository"
	"github.com/xiaot623/archetype/internal/workflow"
)

// maxCompletionNudges bounds how often a strict run is sent back to work
// after answering with unmet workflow requirements.
const maxCompletionNudges = 2

// chatState is the resumable part of a chat loop, stored as the context
// blob of a paused run.
type chatState struct {
	Usage           domain.UsageData `json:"usage"`
	Iterations      int              `json:"iterations"`
	CreditsRecorded int64            `json:"credits_recorded"`
}

// chatLoop is one Chat call driving one run.
type chatLoop struct {
	s     *Service
	run   *domain.AgentRun
	free  bool
	v     *workflow.Validator
	state chatState
	resp  *domain.ChatResponse
}

// Chat drives a run to a terminal answer, a pause or the iteration cap. A
// request carrying the id of a paused run resumes it.
func (s *Service) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.SessionID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: session_id and user_id are required", ErrInvalidRequest)
	}
	if req.RunID == "" && strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if s.engine == nil {
		return nil, errors.New("no model engine configured")
	}

	ctx, span := s.tracer.Start(ctx, "service.Chat", trace.WithAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("user_id", req.UserID),
	))
	defer span.End()

	loop, err := s.openRun(ctx, req)
	if err != nil {
		return nil, err
	}
	runID := loop.run.RunID
	loop.resp = &domain.ChatResponse{RunID: runID, SessionID: loop.run.SessionID, Status: domain.RunStatusRunning}
	span.SetAttributes(attribute.String("run_id", runID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, busy := s.active.LoadOrStore(runID, cancel); busy {
		return nil, ErrRunBusy
	}
	defer s.active.Delete(runID)

	if content := strings.TrimSpace(req.Content); content != "" {
		msg := &domain.Message{SessionID: req.SessionID, RunID: runID, Role: domain.RoleUser, Content: content}
		if err := s.saveMessage(runCtx, msg); err != nil {
			return loop.abort(runCtx, err)
		}
		s.emit(runCtx, loop.run, domain.EventTypeUserInput, domain.UserInputPayload{MessageID: msg.MessageID, Content: content})
	}

	v, err := s.validator(runCtx, runID)
	if err != nil {
		return loop.abort(runCtx, err)
	}
	loop.v = v
	return loop.drive(runCtx)
}

// openRun starts a new run or picks up the one named by the request.
func (s *Service) openRun(ctx context.Context, req domain.ChatRequest) (*chatLoop, error) {
	loop := &chatLoop{s: s}
	if req.RunID == "" {
		started, err := s.StartRun(ctx, domain.StartRunInput{
			UserID:        req.UserID,
			SessionID:     req.SessionID,
			ProjectID:     req.ProjectID,
			TargetContext: req.TargetContext,
			Workflow:      req.Workflow,
		})
		if err != nil {
			return nil, err
		}
		loop.run = started.Run
		loop.free = started.FreeAccess
		return loop, nil
	}

	run, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil || run.UserID != req.UserID {
		return nil, store.ErrRunNotFound
	}
	switch run.Status {
	case domain.RunStatusCompleted:
		return nil, store.ErrRunCompleted
	case domain.RunStatusPaused:
		resumed, err := s.ResumeRun(ctx, run.RunID, domain.ResumeRunRequest{})
		if err != nil {
			return nil, err
		}
		run = resumed.Run
	}
	if len(run.Context) > 0 {
		if err := json.Unmarshal(run.Context, &loop.state); err != nil {
			slog.Warn("ignoring unreadable run context", "run_id", run.RunID, "error", err)
			loop.state = chatState{}
		}
	}
	loop.run = run
	loop.free = run.Free()
	return loop, nil
}

func (l *chatLoop) drive(ctx context.Context) (*domain.ChatResponse, error) {
	s := l.s
	nudges := 0

	for i := 0; i < s.config.MaxTurnIterations; i++ {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, "cancelled")
		}
		l.state.Iterations++
		l.resp.Iterations++

		res, err := l.turn(ctx)
		if err != nil {
			return l.abort(ctx, err)
		}
		// Usage is charged even when the turn was cancelled.
		book := context.WithoutCancel(ctx)
		if err := l.recordUsage(book, res.Usage); err != nil {
			return l.abort(ctx, err)
		}
		s.observeTurn(book, l.run, l.v, res.Text)

		switch res.Kind {
		case engine.ResultError:
			code := "turn_failed"
			switch {
			case errors.Is(res.Err, context.Canceled):
				code = "cancelled"
			case errors.Is(res.Err, context.DeadlineExceeded):
				code = "timeout"
			}
			s.emit(book, l.run, domain.EventTypeTurnFailed, domain.TurnFailedPayload{Code: code, Message: res.Err.Error()})
			if res.Text != "" {
				l.saveAssistant(book, &domain.Message{Role: domain.RoleAssistant, Content: res.Text})
			}
			l.resp.FinalMessage = res.Text
			return l.finish(ctx, code)

		case engine.ResultContinuation:
			l.saveAssistant(ctx, res.AssistantMessage)
			l.saveAssistant(ctx, &domain.Message{Role: domain.RoleTool, ToolResults: res.ToolResults})
			if s.ShouldPause(l.run) {
				resp, err := l.pause(ctx)
				if err != nil {
					return l.abort(ctx, err)
				}
				return resp, nil
			}

		case engine.ResultTerminal:
			l.resp.Degraded = l.resp.Degraded || res.Degraded
			l.resp.FinalMessage = res.Text
			l.saveAssistant(ctx, &domain.Message{Role: domain.RoleAssistant, Content: res.Text})
			if l.v.Config().Strict && nudges < maxCompletionNudges {
				if completion := l.v.ValidateWorkflowCompletion(); !completion.Complete {
					nudges++
					l.saveAssistant(ctx, &domain.Message{Role: domain.RoleUser, Content: completionNudge(completion)})
					continue
				}
			}
			return l.finish(ctx, "")
		}
	}

	slog.Warn("run reached the iteration cap", "run_id", l.run.RunID, "iterations", l.resp.Iterations)
	return l.finish(ctx, "iteration_limit")
}

// turn runs one engine turn with history, workflow guidance and the
// registered tools.
func (l *chatLoop) turn(ctx context.Context) (*engine.Result, error) {
	s := l.s
	history, err := s.GetMessages(ctx, l.run.SessionID, s.config.HistoryLimit)
	if err != nil {
		return nil, err
	}
	iteration := l.state.Iterations
	s.emit(ctx, l.run, domain.EventTypeTurnStarted, map[string]any{"iteration": iteration})

	turnCtx := ctx
	if s.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, s.config.TurnTimeout)
		defer cancel()
	}

	res := s.engine.Turn(turnCtx, engine.Request{
		System:   systemPrompt(l.v),
		Messages: history,
		Tools:    s.registry.Specs(),
	}, engine.Callbacks{
		OnChunk: func(text string) {
			s.push(ctx, l.run.SessionID, l.run.RunID, domain.EventTypeTurnDelta, domain.DeltaEventData{Text: text})
		},
		OnThought: func(text string) {
			s.push(ctx, l.run.SessionID, l.run.RunID, domain.EventTypeTurnThought, domain.ThoughtEventData{Text: text})
		},
		OnAction: func(call domain.ToolCallRequest, description string) {
			s.emit(ctx, l.run, domain.EventTypeTurnAction, domain.ActionEventData{
				ToolCallID:  call.ID,
				ToolName:    call.Name,
				Description: description,
			})
		},
		OnRetry: func(attempt int, recovered string) {
			s.emit(ctx, l.run, domain.EventTypeMalformedCallRetry, domain.MalformedCallPayload{
				Attempt:       attempt,
				RecoveredName: recovered,
			})
		},
		ExecuteTool: func(ctx context.Context, call domain.ToolCallRequest) (domain.ToolResult, error) {
			return s.ExecuteTool(ctx, ToolInvocation{
				RunID:     l.run.RunID,
				SessionID: l.run.SessionID,
				UserID:    l.run.UserID,
				ProjectID: l.run.ProjectID,
				CallID:    call.ID,
				Name:      call.Name,
				Args:      call.Args,
			}), nil
		},
	})

	if res.Kind != engine.ResultError {
		usage := res.Usage
		s.emit(ctx, l.run, domain.EventTypeTurnDone, domain.TurnDonePayload{
			Iteration:    iteration,
			Continuation: res.Kind == engine.ResultContinuation,
			Degraded:     res.Degraded,
			ToolCalls:    len(res.ToolResults),
			Usage:        &usage,
		})
	}
	return res, nil
}

// recordUsage converts the accumulated tokens to credits and charges the
// increment to the run.
func (l *chatLoop) recordUsage(ctx context.Context, usage domain.UsageData) error {
	l.state.Usage.Add(&usage)
	l.resp.Usage = l.state.Usage
	if l.free {
		return nil
	}
	total := creditsForTokens(totalTokens(l.state.Usage), l.s.config.TokensPerCredit)
	delta := total - l.state.CreditsRecorded
	if delta <= 0 {
		return nil
	}
	run, err := l.s.RecordUsage(ctx, l.run.RunID, delta)
	if err != nil {
		return err
	}
	l.run = run
	l.state.CreditsRecorded = total
	return nil
}

func (l *chatLoop) saveAssistant(ctx context.Context, msg *domain.Message) {
	if msg == nil {
		return
	}
	msg.SessionID = l.run.SessionID
	msg.RunID = l.run.RunID
	if err := l.s.saveMessage(ctx, msg); err != nil {
		slog.Error("failed to save message", "run_id", l.run.RunID, "role", msg.Role, "error", err)
	}
}

// pause parks the run with the loop state so a later Chat can resume it.
func (l *chatLoop) pause(ctx context.Context) (*domain.ChatResponse, error) {
	blob, err := json.Marshal(l.state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run context: %w", err)
	}
	run, err := l.s.PauseRun(ctx, l.run.RunID, domain.PauseRunRequest{Context: blob, Reason: "credits_depleted"})
	if err != nil {
		return nil, err
	}
	l.run = run
	l.resp.Status = domain.RunStatusPaused
	usage := l.state.Usage
	l.s.push(ctx, l.run.SessionID, l.run.RunID, domain.EventTypeDone, domain.DoneEventData{
		Usage:        &usage,
		FinalMessage: l.resp.FinalMessage,
		Paused:       true,
	})
	return l.resp, nil
}

// abort settles the run after a failure inside the loop so its reservation
// is released, then reports the failure.
func (l *chatLoop) abort(ctx context.Context, cause error) (*domain.ChatResponse, error) {
	slog.Error("chat loop failed, settling run", "run_id", l.run.RunID, "error", cause)
	if _, err := l.finish(ctx, "error"); err != nil {
		return nil, errors.Join(cause, err)
	}
	return nil, cause
}

// finish settles the run with the credits recorded so far. When the wallet
// cannot cover usage beyond the reservation the run is paused instead, so a
// top-up followed by a resume or cancel can settle it.
func (l *chatLoop) finish(ctx context.Context, reason string) (*domain.ChatResponse, error) {
	s := l.s
	settleCtx := context.WithoutCancel(ctx)
	if reason == "cancelled" {
		s.emit(settleCtx, l.run, domain.EventTypeRunCancelled, map[string]any{"reason": "cancelled by user"})
	}
	rec, err := s.CompleteRun(settleCtx, domain.CompleteRunInput{
		RunID:             l.run.RunID,
		ActualCreditsUsed: l.state.CreditsRecorded,
		InputTokens:       l.state.Usage.PromptTokens,
		OutputTokens:      l.state.Usage.CompletionTokens,
	})
	if errors.Is(err, store.ErrInsufficientCredits) {
		slog.Warn("wallet cannot cover run overage, pausing run", "run_id", l.run.RunID, "consumed", l.state.CreditsRecorded)
		return l.pause(settleCtx)
	}
	if err != nil {
		return nil, err
	}
	l.resp.Status = domain.RunStatusCompleted
	l.resp.Reconciliation = rec
	usage := l.state.Usage
	s.push(settleCtx, l.run.SessionID, l.run.RunID, domain.EventTypeDone, domain.DoneEventData{
		Usage:        &usage,
		FinalMessage: l.resp.FinalMessage,
	})
	return l.resp, nil
}

func totalTokens(u domain.UsageData) int64 {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// systemPrompt tells the model how to announce phases and where it stands.
func systemPrompt(v *workflow.Validator) string {
	var b strings.Builder
	b.WriteString("You are an autonomous software engineering agent working in the user's repository.\n")
	b.WriteString("Work through these phases in order and announce each one on its own line with its marker:\n")
	for _, p := range workflow.Phases() {
		b.WriteString("  ")
		b.WriteString(workflow.Marker(p))
		b.WriteString("\n")
	}
	b.WriteString("Report outcomes with confirm_tests, confirm_compilation, confirm_verification and confirm_commit. ")
	b.WriteString("Use skip_plan with a reason to go from assess straight to execute.\n")
	fmt.Fprintf(&b, "Current phase: %s.", workflow.Marker(v.Phase()))
	if v.Snapshot().Stalled {
		b.WriteString(" You have not announced a phase recently; announce the phase you are in before continuing.")
	}
	return b.String()
}

func completionNudge(c workflow.Completion) string {
	var b strings.Builder
	b.WriteString("The task is not finished. Outstanding workflow requirements:\n")
	for _, u := range c.Unmet {
		b.WriteString("- ")
		b.WriteString(u.Message)
		b.WriteString("\n")
	}
	b.WriteString("Complete them, confirm each outcome, then announce ")
	b.WriteString(workflow.Marker(workflow.PhaseCompleted))
	b.WriteString(".")
	return b.String()
}
