// Package llm provides an abstraction over streaming model providers.
package llm

import (
	"context"

	"github.com/xiaot623/archetype/internal/domain"
)

// Provider streams one model turn.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// StreamTurn sends the conversation and calls callback for each chunk
	// received, in order. A callback error stops consumption and is returned.
	// The returned usage covers the whole turn and may be nil.
	StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*domain.UsageData, error)
}

// StreamCallback receives streamed chunks.
type StreamCallback func(chunk *Chunk) error

// Ensure providers implement Provider.
var (
	_ Provider = (*GeminiProvider)(nil)
	_ Provider = (*OpenAIProvider)(nil)
	_ Provider = (*MockProvider)(nil)
)
