// Package engine drives one streaming model turn: it forwards streamed text,
// recovers from malformed function calls and executes requested tools in
// parallel. The loop across turns belongs to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/archetype/internal/adapter/llm"
	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/jsonheal"
	"github.com/xiaot623/archetype/internal/metrics"
	"github.com/xiaot623/archetype/internal/workflow"
)

// ResultKind tells the caller what to do with a turn result.
type ResultKind string

const (
	// ResultTerminal ends the loop: the model answered in text.
	ResultTerminal ResultKind = "terminal"
	// ResultContinuation carries tool calls and their results; the caller
	// appends both to history and invokes Turn again.
	ResultContinuation ResultKind = "continuation"
	// ResultError reports a stream failure or cancellation.
	ResultError ResultKind = "error"
)

// Config tunes the engine.
type Config struct {
	Model               string
	Temperature         float32
	MaxOutputTokens     int
	MaxMalformedRetries int
	MaxParallelTools    int
}

// DefaultConfig returns deterministic sampling, two corrective retries and up
// to eight concurrent tool calls.
func DefaultConfig() Config {
	return Config{
		Temperature:         0,
		MaxMalformedRetries: 2,
		MaxParallelTools:    8,
	}
}

// Request is the input of one turn.
type Request struct {
	System   string
	Messages []domain.Message
	Tools    []llm.ToolSpec
}

// Callbacks receive turn progress. All are optional except ExecuteTool when
// the model may call tools. ExecuteTool may be called concurrently.
type Callbacks struct {
	OnChunk     func(text string)
	OnThought   func(text string)
	OnAction    func(call domain.ToolCallRequest, description string)
	OnRetry     func(attempt int, recoveredTool string)
	ExecuteTool func(ctx context.Context, call domain.ToolCallRequest) (domain.ToolResult, error)
	OnComplete  func(result *Result)
	OnError     func(err error)
}

// Result is the outcome of one turn.
type Result struct {
	Kind         ResultKind
	Text         string
	Usage        domain.UsageData
	FinishReason llm.FinishReason

	// Continuation only.
	AssistantMessage *domain.Message
	ToolResults      []domain.ToolResult

	// Degraded is set on a terminal result produced after malformed-call
	// retries were exhausted.
	Degraded bool
	Retries  int

	Err error
}

// Engine runs turns against one provider.
type Engine struct {
	provider llm.Provider
	cfg      Config
	tracer   trace.Tracer
	metrics  *metrics.Metrics
}

// New creates an engine.
func New(provider llm.Provider, cfg Config) *Engine {
	if cfg.MaxMalformedRetries < 0 {
		cfg.MaxMalformedRetries = 0
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultConfig().MaxParallelTools
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/xiaot623/archetype/internal/engine"),
		metrics:  metrics.Get(),
	}
}

// Provider returns the underlying provider.
func (e *Engine) Provider() llm.Provider {
	return e.provider
}

// Turn drives one logical turn. It never panics; failures come back as a
// ResultError.
func (e *Engine) Turn(ctx context.Context, req Request, cb Callbacks) (res *Result) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.Turn", trace.WithAttributes(
		attribute.String("llm.provider", e.provider.Name()),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine turn panicked", "panic", r)
			res = &Result{Kind: ResultError, Err: fmt.Errorf("engine panic: %v", r)}
		}
		span.SetAttributes(
			attribute.String("result", string(res.Kind)),
			attribute.Int("retries", res.Retries),
			attribute.Bool("degraded", res.Degraded),
		)
		if res.Kind == ResultError {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			if cb.OnError != nil {
				cb.OnError(res.Err)
			}
		} else if cb.OnComplete != nil {
			cb.OnComplete(res)
		}
		e.metrics.ObserveTurn(string(res.Kind), started)
	}()

	return e.turn(ctx, req, cb)
}

func (e *Engine) turn(ctx context.Context, req Request, cb Callbacks) *Result {
	messages := append([]domain.Message(nil), req.Messages...)
	known := knownTools(req.Tools)
	var usage domain.UsageData

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{Kind: ResultError, Usage: usage, Retries: attempt, Err: err}
		}

		out, err := e.stream(ctx, req, messages, cb)
		usage.Add(out.usage)
		if err != nil {
			return &Result{Kind: ResultError, Text: out.text, Usage: usage, Retries: attempt, Err: err}
		}

		if out.finish == llm.FinishMalformedCall && len(out.calls) == 0 {
			recovered := recoverToolName(known, out.finishMessage, out.text)
			if attempt >= e.cfg.MaxMalformedRetries {
				e.metrics.Degraded()
				text := degradedText(attempt+1, recovered)
				if cb.OnChunk != nil {
					cb.OnChunk(text)
				}
				return &Result{
					Kind:         ResultTerminal,
					Text:         strings.TrimSpace(out.text + "\n\n" + text),
					Usage:        usage,
					FinishReason: out.finish,
					Degraded:     true,
					Retries:      attempt,
				}
			}

			e.metrics.MalformedRetry()
			slog.Warn("malformed function call, retrying", "attempt", attempt+1, "recovered_tool", recovered)
			if cb.OnRetry != nil {
				cb.OnRetry(attempt+1, recovered)
			}
			if out.text != "" {
				messages = append(messages, domain.Message{Role: domain.RoleAssistant, Content: out.text})
			}
			messages = append(messages, domain.Message{Role: domain.RoleUser, Content: correctiveInstruction(recovered)})
			continue
		}

		if len(out.calls) == 0 {
			if call := embeddedCall(known, out.text); call != nil {
				out.calls = append(out.calls, *call)
				if cb.OnAction != nil {
					cb.OnAction(*call, describeAction(*call))
				}
			}
		}

		if len(out.calls) == 0 {
			return &Result{
				Kind:         ResultTerminal,
				Text:         out.text,
				Usage:        usage,
				FinishReason: out.finish,
				Retries:      attempt,
			}
		}

		results := e.executeTools(ctx, out.calls, cb)
		return &Result{
			Kind:         ResultContinuation,
			Text:         out.text,
			Usage:        usage,
			FinishReason: out.finish,
			Retries:      attempt,
			AssistantMessage: &domain.Message{
				Role:      domain.RoleAssistant,
				Content:   out.text,
				ToolCalls: out.calls,
			},
			ToolResults: results,
		}
	}
}

type streamOutcome struct {
	text          string
	calls         []domain.ToolCallRequest
	finish        llm.FinishReason
	finishMessage string
	usage         *domain.UsageData
}

// stream consumes one provider stream. Cancellation is checked before the
// stream starts and between chunks; chunks already delivered stay delivered.
func (e *Engine) stream(ctx context.Context, req Request, messages []domain.Message, cb Callbacks) (streamOutcome, error) {
	var out streamOutcome
	if err := ctx.Err(); err != nil {
		return out, err
	}

	llmReq := &llm.Request{
		Model:           e.cfg.Model,
		System:          req.System,
		Messages:        messages,
		Tools:           req.Tools,
		Temperature:     e.cfg.Temperature,
		MaxOutputTokens: e.cfg.MaxOutputTokens,
	}

	var text strings.Builder
	announced := 0
	usage, err := e.provider.StreamTurn(ctx, llmReq, func(c *llm.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Text != "" {
			text.WriteString(c.Text)
			if cb.OnChunk != nil {
				cb.OnChunk(c.Text)
			}
			phases := workflow.DetectAnnouncements(text.String())
			for _, p := range phases[announced:] {
				if cb.OnThought != nil {
					cb.OnThought(phaseThought(p))
				}
			}
			announced = len(phases)
		}
		if c.Thought != "" && cb.OnThought != nil {
			cb.OnThought(c.Thought)
		}
		if c.ToolCall != nil {
			call := normalizeCall(*c.ToolCall)
			out.calls = append(out.calls, call)
			if cb.OnAction != nil {
				cb.OnAction(call, describeAction(call))
			}
		}
		if c.FinishReason != "" {
			out.finish = c.FinishReason
			if c.FinishMessage != "" {
				out.finishMessage = c.FinishMessage
			}
		}
		return nil
	})
	out.text = text.String()
	out.usage = usage
	if err == nil {
		err = ctx.Err()
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%s stream failed: %w", e.provider.Name(), err)
	}
	return out, err
}

func normalizeCall(call domain.ToolCallRequest) domain.ToolCallRequest {
	if call.ID == "" {
		call.ID = "call_" + uuid.New().String()[:8]
	}
	if call.Args == nil {
		call.Args = map[string]any{}
	}
	return call
}

// embeddedCall heals a tool call the model wrote as text instead of a
// structured call. Only calls naming a declared tool are accepted.
func embeddedCall(known map[string]bool, text string) *domain.ToolCallRequest {
	if len(known) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	healed := jsonheal.Heal(text)
	if healed == nil || !known[healed.Name] {
		return nil
	}
	call := normalizeCall(domain.ToolCallRequest{Name: healed.Name, Args: healed.Args})
	return &call
}

func knownTools(specs []llm.ToolSpec) map[string]bool {
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		known[s.Name] = true
	}
	return known
}
