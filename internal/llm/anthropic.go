package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
)

const (
	anthropicBaseURL      = "https://api.anthropic.com/v1"
	anthropicVersion      = "2023-06-01"
	anthropicDefaultModel = "claude-sonnet-4-5"
)

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Message *struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message,omitempty"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropic creates a provider. An empty model selects the default.
func NewAnthropic(apiKey, model string, maxTokens int) *AnthropicProvider {
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		baseURL:    anthropicBaseURL,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: newHTTPClient(),
	}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

func toAnthropicMessages(msgs []Message) []anthropicMessage {
	var out []anthropicMessage
	appendBlock := func(role string, block anthropicContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: []anthropicContentBlock{block}})
	}

	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			appendBlock(RoleUser, anthropicContentBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case RoleAssistant:
			if m.Content != "" {
				appendBlock(RoleAssistant, anthropicContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				appendBlock(RoleAssistant, anthropicContentBlock{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: normalizeArgs(string(tc.Arguments)),
				})
			}
		default:
			appendBlock(RoleUser, anthropicContentBlock{Type: "text", Text: m.Content})
		}
	}
	return out
}

func (p *AnthropicProvider) buildRequest(req Request) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    toAnthropicMessages(req.Messages),
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return body
}

// Stream sends the request and yields text deltas and completed tool calls.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error] {
	if p.apiKey == "" {
		return errSeq(ErrNotConfigured)
	}
	payload, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return errSeq(fmt.Errorf("marshal request: %w", err))
	}

	return func(yield func(*Chunk, error) bool) {
		resp, err := send(ctx, p.httpClient, p.Name(), func() (*http.Request, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			r.Header.Set("Content-Type", "application/json")
			r.Header.Set("x-api-key", p.apiKey)
			r.Header.Set("anthropic-version", anthropicVersion)
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

		err = scanSSE(resp.Body, func(_, data string) (bool, error) {
			var evt anthropicEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				return true, nil
			}
			switch evt.Type {
			case "error":
				msg := "unknown error"
				if evt.Error != nil {
					msg = evt.Error.Message
				}
				return false, fmt.Errorf("anthropic stream error: %s", msg)
			case "message_start":
				if evt.Message != nil && evt.Message.Usage.InputTokens > 0 {
					return emit(&Chunk{Usage: &Usage{InputTokens: evt.Message.Usage.InputTokens}}), nil
				}
			case "content_block_start":
				if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
					tools[evt.Index] = &pendingTool{id: evt.ContentBlock.ID, name: evt.ContentBlock.Name}
				}
			case "content_block_delta":
				if evt.Delta == nil {
					return true, nil
				}
				switch evt.Delta.Type {
				case "text_delta":
					if evt.Delta.Text != "" {
						return emit(&Chunk{Text: evt.Delta.Text}), nil
					}
				case "input_json_delta":
					if t := tools[evt.Index]; t != nil {
						t.args.WriteString(evt.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if t := tools[evt.Index]; t != nil {
					delete(tools, evt.Index)
					call := &ToolCall{ID: t.id, Name: t.name, Arguments: normalizeArgs(t.args.String())}
					return emit(&Chunk{ToolCall: call}), nil
				}
			case "message_delta":
				chunk := &Chunk{}
				if evt.Delta != nil {
					chunk.StopReason = normalizeAnthropicStop(evt.Delta.StopReason)
				}
				if evt.Usage != nil {
					chunk.Usage = &Usage{OutputTokens: evt.Usage.OutputTokens}
				}
				return emit(chunk), nil
			case "message_stop":
				return false, nil
			}
			return true, nil
		})
		if err != nil && open {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(nil, err)
		}
	}
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "":
		return ""
	default:
		return StopEndTurn
	}
}
