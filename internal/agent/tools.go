package agent

import (
	"encoding/json"

	"github.com/heysme/heysme-server/internal/llm"
)

// Tool names.
const (
	toolRecordInfo    = "record_info"
	toolAnalyzeGitHub = "analyze_github"
	toolScrapeWebpage = "scrape_webpage"
	toolAdvanceStage  = "advance_stage"
	toolWriteFile     = "write_file"
	toolDeleteFile    = "delete_file"
)

// toolOutcome is what a tool returns to the model and to the client.
type toolOutcome struct {
	Result  any
	Summary string
	OK      bool
}

func (o toolOutcome) message(call llm.ToolCall) llm.Message {
	var content string
	if s, ok := o.Result.(string); ok {
		content = s
	} else if data, err := json.Marshal(o.Result); err == nil {
		content = string(data)
	} else {
		content = `{"error":"unserializable tool result"}`
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

func failed(summary string) toolOutcome {
	return toolOutcome{Result: map[string]any{"error": summary}, Summary: summary}
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func collectorTools(fields []string, withGitHub, withScraper bool) []llm.Tool {
	tools := []llm.Tool{
		{
			Name:        toolRecordInfo,
			Description: "Record one fact about the user for their homepage.",
			Parameters: objectSchema([]string{"field", "value"}, map[string]any{
				"field": map[string]any{"type": "string", "enum": fields},
				"value": map[string]any{
					"description": "The value. Use a string, or a list for skills, projects, experience and links.",
				},
			}),
		},
		{
			Name:        toolAdvanceStage,
			Description: "Move the conversation to the next stage once its goals are met.",
			Parameters: objectSchema([]string{"stage"}, map[string]any{
				"stage": map[string]any{
					"type": "string",
					"enum": []string{string(StageCollecting), string(StageOptimizing), string(StageReady)},
				},
			}),
		},
	}
	if withGitHub {
		tools = append(tools, llm.Tool{
			Name:        toolAnalyzeGitHub,
			Description: "Fetch a public GitHub profile and its most starred repositories.",
			Parameters: objectSchema([]string{"username"}, map[string]any{
				"username": map[string]any{"type": "string"},
			}),
		})
	}
	if withScraper {
		tools = append(tools, llm.Tool{
			Name:        toolScrapeWebpage,
			Description: "Read the title, description, headings and text of a public web page.",
			Parameters: objectSchema([]string{"url"}, map[string]any{
				"url": map[string]any{"type": "string", "description": "http or https URL"},
			}),
		})
	}
	return tools
}

func coderTools() []llm.Tool {
	return []llm.Tool{
		{
			Name:        toolWriteFile,
			Description: "Create or replace a project file with its complete content.",
			Parameters: objectSchema([]string{"path", "content"}, map[string]any{
				"path":    map[string]any{"type": "string", "description": "project-relative path, e.g. src/App.tsx"},
				"content": map[string]any{"type": "string"},
			}),
		},
		{
			Name:        toolDeleteFile,
			Description: "Delete a project file.",
			Parameters: objectSchema([]string{"path"}, map[string]any{
				"path": map[string]any{"type": "string"},
			}),
		},
	}
}
