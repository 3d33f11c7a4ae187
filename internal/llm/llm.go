// Package llm streams chat completions with tool calls from hosted model APIs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
)

// Roles of conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Stop reasons normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ErrNotConfigured is returned when no API key is set for the provider.
var ErrNotConfigured = errors.New("llm provider not configured")

// Tool describes a function the model may call. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one conversation turn. Tool results carry ToolCallID and Name.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float64
}

// Usage reports token counts when the provider sends them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one streamed unit. At most one of Text and ToolCall is set.
// StopReason and Usage arrive on the final chunks.
type Chunk struct {
	Text       string
	ToolCall   *ToolCall
	StopReason string
	Usage      *Usage
}

// Provider streams model output.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error]
}

// Result is a fully collected stream.
type Result struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Collect drains a stream, calling onText for every text delta if non-nil.
func Collect(seq iter.Seq2[*Chunk, error], onText func(string)) (*Result, error) {
	var (
		res  Result
		text strings.Builder
	)
	for chunk, err := range seq {
		if err != nil {
			res.Text = text.String()
			return &res, err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			if onText != nil {
				onText(chunk.Text)
			}
		}
		if chunk.ToolCall != nil {
			res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
		}
		if chunk.StopReason != "" {
			res.StopReason = chunk.StopReason
		}
		if chunk.Usage != nil {
			res.Usage.InputTokens += chunk.Usage.InputTokens
			res.Usage.OutputTokens += chunk.Usage.OutputTokens
		}
	}
	res.Text = text.String()
	return &res, nil
}

func errSeq(err error) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		yield(nil, err)
	}
}

// normalizeArgs returns valid JSON for possibly empty streamed arguments.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
