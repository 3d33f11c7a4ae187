package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

// GeminiProvider streams from the Gemini API through the genai SDK.
type GeminiProvider struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// NewGemini creates a provider. The SDK client is created on first use.
func NewGemini(apiKey, model string, maxTokens int) *GeminiProvider {
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiProvider{apiKey: apiKey, model: model, maxTokens: maxTokens}
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		cfg := &genai.ClientConfig{APIKey: p.apiKey, Backend: genai.BackendGeminiAPI}
		if p.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		p.client, p.clientErr = genai.NewClient(ctx, cfg)
		if p.clientErr != nil {
			p.clientErr = fmt.Errorf("create genai client: %w", p.clientErr)
		}
	})
	return p.client, p.clientErr
}

func toGeminiContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			part := genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			contents = append(contents, &genai.Content{Role: string(genai.RoleUser), Parts: []*genai.Part{part}})
		case RoleAssistant:
			c := &genai.Content{Role: string(genai.RoleModel)}
			if m.Content != "" {
				c.Parts = append(c.Parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(normalizeArgs(string(tc.Arguments)), &args)
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents
}

func (p *GeminiProvider) buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// Stream yields text and function calls from GenerateContentStream.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	if p.apiKey == "" {
		return errSeq(ErrNotConfigured)
	}
	return func(yield func(*Chunk, error) bool) {
		client, err := p.getClient(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		model := req.Model
		if model == "" {
			model = p.model
		}

		sawTool := false
		for resp, err := range client.Models.GenerateContentStream(ctx, model, toGeminiContents(req.Messages), p.buildConfig(req)) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(&Chunk{Text: text}, nil) {
					return
				}
			}
			for _, fc := range resp.FunctionCalls() {
				sawTool = true
				args, _ := json.Marshal(fc.Args)
				id := fc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				if !yield(&Chunk{ToolCall: &ToolCall{ID: id, Name: fc.Name, Arguments: normalizeArgs(string(args))}}, nil) {
					return
				}
			}
			if resp.UsageMetadata != nil && len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
				usage := &Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
				stop := StopEndTurn
				switch {
				case sawTool:
					stop = StopToolUse
				case resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens:
					stop = StopMaxTokens
				}
				if !yield(&Chunk{StopReason: stop, Usage: usage}, nil) {
					return
				}
			}
		}
	}
}
