package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/xiaot623/archetype/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider streams turns from the Gemini API.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiProvider{client: client, defaultModel: model}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string {
	return "gemini"
}

// StreamTurn streams one turn.
func (p *GeminiProvider) StreamTurn(ctx context.Context, req *Request, callback StreamCallback) (*domain.UsageData, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var usage *domain.UsageData
	stream := p.client.Models.GenerateContentStream(ctx, model, convertGeminiHistory(req.Messages), buildGeminiConfig(req))
	for resp, err := range stream {
		if err != nil {
			return usage, fmt.Errorf("gemini: stream: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return usage, err
		}
		if u := geminiUsage(resp); u != nil {
			usage = u
		}
		if err := emitGeminiResponse(resp, callback); err != nil {
			return usage, err
		}
	}
	return usage, nil
}

// convertGeminiHistory converts the conversation into Gemini contents. The
// tool-call-id to name table lives only for the duration of this call; every
// function response is attributed to the tool call that produced it.
func convertGeminiHistory(messages []domain.Message) []*genai.Content {
	toolNames := make(map[string]string)
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}

		switch msg.Role {
		case domain.RoleSystem:
			continue
		case domain.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				toolNames[tc.ID] = tc.Name
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}
		case domain.RoleTool:
			for _, tr := range msg.ToolResults {
				name := toolNames[tr.ToolCallID]
				if name == "" {
					name = tr.Name
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       tr.ToolCallID,
						Name:     name,
						Response: functionResponse(tr),
					},
				})
			}
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}

func functionResponse(tr domain.ToolResult) map[string]any {
	if tr.IsError {
		return map[string]any{"error": tr.Content}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(tr.Content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": tr.Content}
}

func buildGeminiConfig(req *Request) *genai.GenerateContentConfig {
	temperature := req.Temperature
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxOutputTokens, math.MaxInt32))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if t.Schema != nil {
				decl.ParametersJsonSchema = t.Schema
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

func emitGeminiResponse(resp *genai.GenerateContentResponse, callback StreamCallback) error {
	if resp == nil {
		return nil
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				var chunk *Chunk
				switch {
				case part.FunctionCall != nil:
					id := part.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.New().String()[:8]
					}
					chunk = &Chunk{ToolCall: &domain.ToolCallRequest{
						ID:   id,
						Name: part.FunctionCall.Name,
						Args: domain.CoerceArgs(part.FunctionCall.Args),
					}}
				case part.Thought && part.Text != "":
					chunk = &Chunk{Thought: part.Text}
				case part.Text != "":
					chunk = &Chunk{Text: part.Text}
				}
				if chunk != nil {
					if err := callback(chunk); err != nil {
						return err
					}
				}
			}
		}
		if reason := geminiFinishReason(candidate.FinishReason); reason != "" {
			if err := callback(&Chunk{FinishReason: reason, FinishMessage: candidate.FinishMessage}); err != nil {
				return err
			}
		}
	}
	return nil
}

func geminiFinishReason(r genai.FinishReason) FinishReason {
	switch r {
	case "", genai.FinishReasonUnspecified:
		return ""
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonMalformedFunctionCall:
		return FinishMalformedCall
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return FinishSafety
	default:
		return FinishOther
	}
}

func geminiUsage(resp *genai.GenerateContentResponse) *domain.UsageData {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	m := resp.UsageMetadata
	u := &domain.UsageData{
		PromptTokens:     int64(m.PromptTokenCount),
		CompletionTokens: int64(m.CandidatesTokenCount) + int64(m.ThoughtsTokenCount),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
