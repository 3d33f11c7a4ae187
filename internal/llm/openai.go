package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"strings"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	groqBaseURL        = "https://api.groq.com/openai/v1"
	openAIDefaultModel = "gpt-4o-mini"
	groqDefaultModel   = "llama-3.3-70b-versatile"
)

type openAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIProvider calls an OpenAI-compatible Chat Completions API.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewOpenAI creates a provider for api.openai.com.
func NewOpenAI(apiKey, model string, maxTokens int) *OpenAIProvider {
	if model == "" {
		model = openAIDefaultModel
	}
	return newOpenAICompatible("openai", openAIBaseURL, apiKey, model, maxTokens)
}

// NewGroq creates a provider for Groq's OpenAI-compatible endpoint.
func NewGroq(apiKey, model string, maxTokens int) *OpenAIProvider {
	if model == "" {
		model = groqDefaultModel
	}
	return newOpenAICompatible("groq", groqBaseURL, apiKey, model, maxTokens)
}

func newOpenAICompatible(name, baseURL, apiKey, model string, maxTokens int) *OpenAIProvider {
	return &OpenAIProvider{
		name:       name,
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: newHTTPClient(),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return p.name }

func strPtr(s string) *string { return &s }

func toOpenAIMessages(system string, msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: strPtr(system)})
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			out = append(out, openAIMessage{Role: "tool", Content: strPtr(m.Content), ToolCallID: m.ToolCallID})
		case RoleAssistant:
			msg := openAIMessage{Role: "assistant"}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				msg.Content = strPtr(m.Content)
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: string(normalizeArgs(string(tc.Arguments)))},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openAIMessage{Role: "user", Content: strPtr(m.Content)})
		}
	}
	return out
}

func (p *OpenAIProvider) buildRequest(req Request) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	body := openAIRequest{
		Model:       model,
		Messages:    toOpenAIMessages(req.System, req.Messages),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, t := range req.Tools {
		var tool openAITool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, tool)
	}
	return body
}

// Stream sends the request and yields text deltas; tool calls are yielded
// once their streamed arguments are complete.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	if p.apiKey == "" {
		return errSeq(ErrNotConfigured)
	}
	payload, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return errSeq(fmt.Errorf("marshal request: %w", err))
	}

	return func(yield func(*Chunk, error) bool) {
		resp, err := send(ctx, p.httpClient, p.name, func() (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			r.Header.Set("Content-Type", "application/json")
			r.Header.Set("Authorization", "Bearer "+p.apiKey)
			r.Header.Set("Accept", "text/event-stream")
			return r, nil
		})
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		type pendingTool struct {
			id, name string
			args     strings.Builder
		}
		tools := map[int]*pendingTool{}
		open := true
		emit := func(c *Chunk) bool {
			if open {
				open = yield(c, nil)
			}
			return open
		}

		flush := func() bool {
			indexes := make([]int, 0, len(tools))
			for i := range tools {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			for _, i := range indexes {
				t := tools[i]
				delete(tools, i)
				if !emit(&Chunk{ToolCall: &ToolCall{ID: t.id, Name: t.name, Arguments: normalizeArgs(t.args.String())}}) {
					return false
				}
			}
			return true
		}

		err = scanSSE(resp.Body, func(_, data string) (bool, error) {
			if data == "[DONE]" {
				return false, nil
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true, nil
			}
			if chunk.Error != nil {
				return false, fmt.Errorf("%s stream error: %s", p.name, chunk.Error.Message)
			}
			if chunk.Usage != nil {
				if !emit(&Chunk{Usage: &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}}) {
					return false, nil
				}
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !emit(&Chunk{Text: choice.Delta.Content}) {
						return false, nil
					}
				}
				for j, tc := range choice.Delta.ToolCalls {
					idx := j
					if tc.Index != nil {
						idx = *tc.Index
					}
					t := tools[idx]
					if t == nil {
						t = &pendingTool{}
						tools[idx] = t
					}
					if tc.ID != "" {
						t.id = tc.ID
					}
					if tc.Function.Name != "" {
						t.name = tc.Function.Name
					}
					t.args.WriteString(tc.Function.Arguments)
				}
				if choice.FinishReason != "" {
					if !flush() || !emit(&Chunk{StopReason: normalizeOpenAIStop(choice.FinishReason)}) {
						return false, nil
					}
				}
			}
			return true, nil
		})
		if !open {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(nil, err)
			return
		}
		flush()
	}
}

func normalizeOpenAIStop(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
