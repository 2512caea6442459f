package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaot623/archetype/internal/domain"
)

// MockTurn is one scripted provider response.
type MockTurn struct {
	Chunks []Chunk
	Usage  *domain.UsageData
	Err    error
}

// MockProvider replays scripted turns in order. Once the script is exhausted
// it echoes the last user message, so it also serves as a demo provider.
type MockProvider struct {
	mu       sync.Mutex
	turns    []MockTurn
	requests []*Request
}

// NewMockProvider creates a mock provider with the given script.
func NewMockProvider(turns ...MockTurn) *MockProvider {
	return &MockProvider{turns: turns}
}

// Name returns "mock".
func (m *MockProvider) Name() string {
	return "mock"
}

// Enqueue appends turns to the script.
func (m *MockProvider) Enqueue(turns ...MockTurn) {
	m.mu.Lock()
	m.turns = append(m.turns, turns...)
	m.mu.Unlock()
}

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// StreamTurn replays the next scripted turn.
func (m *MockProvider) StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*domain.UsageData, error) {
	snapshot := *req
	snapshot.Messages = append([]domain.Message(nil), req.Messages...)

	m.mu.Lock()
	m.requests = append(m.requests, &snapshot)
	var turn MockTurn
	if len(m.turns) > 0 {
		turn = m.turns[0]
		m.turns = m.turns[1:]
	} else {
		turn = m.echoTurn(req)
	}
	m.mu.Unlock()

	for i := range turn.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := turn.Chunks[i]
		if err := callback(&chunk); err != nil {
			return nil, err
		}
	}
	if turn.Err != nil {
		return turn.Usage, turn.Err
	}
	if turn.Usage != nil {
		return turn.Usage, nil
	}
	return m.estimateUsage(req, turn), nil
}

// echoTurn generates a response based on the request.
func (m *MockProvider) echoTurn(req *Request) MockTurn {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}

	content := "[MOCK] This is a mock response."
	if lastUserMessage != "" {
		content = fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
	}

	var turn MockTurn
	for _, part := range splitIntoChunks(content, 10) {
		turn.Chunks = append(turn.Chunks, Chunk{Text: part})
	}
	turn.Chunks = append(turn.Chunks, Chunk{FinishReason: FinishStop})
	return turn
}

// estimateUsage provides a rough token count estimate.
func (m *MockProvider) estimateUsage(req *Request, turn MockTurn) *domain.UsageData {
	var prompt, completion int64
	prompt += int64(len(req.System) / 4)
	for _, msg := range req.Messages {
		prompt += int64(len(msg.Content) / 4)
	}
	for _, c := range turn.Chunks {
		completion += int64((len(c.Text) + len(c.Thought)) / 4)
		if c.ToolCall != nil {
			completion += 10
		}
	}
	return &domain.UsageData{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
