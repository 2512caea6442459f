package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/archetype/internal/domain"
)

// executeTools runs every call concurrently and waits for all of them. A
// failing call yields an error-tagged result in its own slot only.
func (e *Engine) executeTools(ctx context.Context, calls []domain.ToolCallRequest, cb Callbacks) []domain.ToolResult {
	results := make([]domain.ToolResult, len(calls))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(ctx, call, cb)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) executeOne(ctx context.Context, call domain.ToolCallRequest, cb Callbacks) (result domain.ToolResult) {
	ctx, span := e.tracer.Start(ctx, "engine.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool execution panicked", "tool", call.Name, "panic", r)
			result = errorResult(call, fmt.Errorf("tool panicked: %v", r))
		}
		result.ToolCallID = call.ID
		if result.Name == "" {
			result.Name = call.Name
		}
		if result.IsError {
			span.SetStatus(codes.Error, result.Content)
		}
	}()

	if cb.ExecuteTool == nil {
		return errorResult(call, errors.New("no tool executor configured"))
	}
	res, err := cb.ExecuteTool(ctx, call)
	if err != nil {
		span.RecordError(err)
		return errorResult(call, err)
	}
	return res
}

func errorResult(call domain.ToolCallRequest, err error) domain.ToolResult {
	return domain.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    "Error: " + err.Error(),
		IsError:    true,
	}
}
