package agent

import (
	"encoding/json"
	"fmt"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/llm"
)

const maxHistory = 40

// historyFromData decodes the stored conversation. Entries are JSON-shaped
// maps so they survive both session backends.
func historyFromData(v any) []llm.Message {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]llm.Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role != llm.RoleUser && role != llm.RoleAssistant {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	return out
}

// historyToData appends entries and keeps the newest maxHistory non-empty
// ones. The kept window always opens with a user message.
func historyToData(history []llm.Message, add ...llm.Message) []any {
	all := make([]llm.Message, 0, len(history)+len(add))
	for _, m := range append(append([]llm.Message(nil), history...), add...) {
		if m.Content != "" {
			all = append(all, m)
		}
	}
	if len(all) > maxHistory {
		all = all[len(all)-maxHistory:]
	}
	for len(all) > 0 && all[0].Role != llm.RoleUser {
		all = all[1:]
	}
	out := make([]any, 0, len(all))
	for _, m := range all {
		out = append(out, map[string]any{"role": m.Role, "content": m.Content})
	}
	return out
}

func chatMessages(history []llm.Message) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// toJSONMap converts a struct into the map form stored in session data.
func toJSONMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return m, nil
}

func mapValue(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
