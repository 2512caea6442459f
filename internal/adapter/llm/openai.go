package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/xiaot623/archetype/internal/domain"
	"github.com/xiaot623/archetype/internal/jsonheal"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider streams turns from an OpenAI-compatible endpoint, such as a
// LiteLLM proxy.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider. An empty baseURL uses api.openai.com.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), defaultModel: model}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// StreamTurn streams one turn. Tool-call deltas are accumulated by index and
// emitted once the stream reports them complete.
func (p *OpenAIProvider) StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*domain.UsageData, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req.System, req.Messages),
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	var usage *domain.UsageData
	pending := newToolCallAccumulator()

	for {
		if err := ctx.Err(); err != nil {
			return usage, err
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, pending.flush(callback)
		}
		if err != nil {
			return usage, fmt.Errorf("openai: stream: %w", err)
		}

		if resp.Usage != nil {
			usage = &domain.UsageData{
				PromptTokens:     int64(resp.Usage.PromptTokens),
				CompletionTokens: int64(resp.Usage.CompletionTokens),
				TotalTokens:      int64(resp.Usage.TotalTokens),
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if err := callback(&Chunk{Text: choice.Delta.Content}); err != nil {
				return usage, err
			}
		}
		if choice.Delta.ReasoningContent != "" {
			if err := callback(&Chunk{Thought: choice.Delta.ReasoningContent}); err != nil {
				return usage, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			pending.add(tc)
		}

		if choice.FinishReason != "" {
			if err := pending.flush(callback); err != nil {
				return usage, err
			}
			if err := callback(&Chunk{FinishReason: openAIFinishReason(choice.FinishReason)}); err != nil {
				return usage, err
			}
		}
	}
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

type toolCallAccumulator struct {
	calls map[int]*partialToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: make(map[int]*partialToolCall)}
}

func (a *toolCallAccumulator) add(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call := a.calls[index]
	if call == nil {
		call = &partialToolCall{}
		a.calls[index] = call
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	call.args.WriteString(tc.Function.Arguments)
}

// flush emits accumulated calls in index order. Arguments that do not parse
// are healed; a call that cannot be healed is reported as a malformed call.
func (a *toolCallAccumulator) flush(callback StreamCallback) error {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		call := a.calls[i]
		if call.name == "" {
			continue
		}
		raw := strings.TrimSpace(call.args.String())
		args, ok := parseToolArguments(call.name, raw)
		if !ok {
			msg := fmt.Sprintf("Malformed function call: %s(%s)", call.name, raw)
			if err := callback(&Chunk{FinishReason: FinishMalformedCall, FinishMessage: msg}); err != nil {
				return err
			}
			continue
		}
		if err := callback(&Chunk{ToolCall: &domain.ToolCallRequest{ID: call.id, Name: call.name, Args: args}}); err != nil {
			return err
		}
	}
	a.calls = make(map[int]*partialToolCall)
	return nil
}

func parseToolArguments(name, raw string) (map[string]any, bool) {
	if raw == "" {
		return map[string]any{}, true
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return domain.CoerceArgs(decoded), true
	}
	wrapped, _ := json.Marshal(name)
	if call := jsonheal.Heal(`{"name":` + string(wrapped) + `,"args":` + raw); call != nil {
		return call.Args, true
	}
	return nil, false
}

// convertOpenAIMessages converts the conversation. Tool messages carry the
// name of the call they answer, resolved from a table local to this call.
func convertOpenAIMessages(system string, messages []domain.Message) []openai.ChatCompletionMessage {
	toolNames := make(map[string]string)
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case domain.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				toolNames[tc.ID] = tc.Name
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(args)},
				})
			}
			out = append(out, m)
		case domain.RoleTool:
			for _, tr := range msg.ToolResults {
				name := toolNames[tr.ToolCallID]
				if name == "" {
					name = tr.Name
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Name:       name,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return out
}

func convertOpenAITools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, t := range specs {
		params := t.Schema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func openAIFinishReason(r openai.FinishReason) FinishReason {
	switch r {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonContentFilter:
		return FinishSafety
	default:
		return FinishOther
	}
}
