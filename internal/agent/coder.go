package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/llm"
	"github.com/heysme/heysme-server/internal/session"
	"github.com/heysme/heysme-server/internal/store"
)

const (
	coderMaxToolRounds = 8
	maxFileContext     = 16 << 10
	maxProjectContext  = 96 << 10
	codingSessionKey   = "code:"
)

// CodingStore is the part of the repository the coder writes through.
type CodingStore interface {
	GetCodingSession(ctx context.Context, sessionID string) (*domain.CodingSession, error)
	ListCodingFiles(ctx context.Context, sessionID string) ([]*domain.CodingFile, error)
	UpsertCodingFile(ctx context.Context, file *domain.CodingFile) (*domain.CodingFile, error)
	DeleteCodingFile(ctx context.Context, sessionID, path string) error
}

// Coder generates and edits the files of a coding session.
type Coder struct {
	provider  llm.Provider
	files     CodingStore
	sessions  session.Store
	catalog   *Catalog
	maxTokens int
}

// NewCoder creates a coder.
func NewCoder(provider llm.Provider, files CodingStore, sessions session.Store, catalog *Catalog, maxTokens int) *Coder {
	return &Coder{
		provider:  provider,
		files:     files,
		sessions:  sessions,
		catalog:   catalog,
		maxTokens: maxTokens,
	}
}

// Enabled reports whether a model provider is configured.
func (c *Coder) Enabled() bool {
	return c != nil && c.provider != nil
}

// Session returns the coding session if userID owns it.
func (c *Coder) Session(ctx context.Context, userID, codingSessionID string) (*domain.CodingSession, error) {
	cs, err := c.files.GetCodingSession(ctx, codingSessionID)
	if err != nil {
		return nil, fmt.Errorf("get coding session: %w", err)
	}
	if cs == nil || cs.UserID != userID {
		return nil, ErrCodingSessionNotFound
	}
	return cs, nil
}

// CodeResult summarizes a finished coding turn.
type CodeResult struct {
	Reply   string
	Changed []FileEvent
}

// Turn runs one coding instruction against the session's files. The profile
// collected in the caller's collection session is given to the model.
func (c *Coder) Turn(ctx context.Context, userID, sessionID, codingSessionID, message string, emit Emitter) (*CodeResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if emit == nil {
		emit = func(string, any) {}
	}

	cs, err := c.Session(ctx, userID, codingSessionID)
	if err != nil {
		return nil, err
	}
	files, err := c.files.ListCodingFiles(ctx, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("list coding files: %w", err)
	}

	profile, err := c.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load profile session: %w", err)
	}
	convo, err := c.sessions.Get(ctx, userID, codingSessionKey+cs.ID)
	if err != nil {
		return nil, fmt.Errorf("load coding history: %w", err)
	}
	var history []llm.Message
	if convo != nil {
		history = historyFromData(convo.Data[keyHistory])
	}

	system := c.system(cs, files, loadCollectState(profile).collected)
	userMsg := llm.Message{Role: llm.RoleUser, Content: message}
	msgs := append(slices.Clone(history), userMsg)
	result := &CodeResult{}
	var reply strings.Builder

	for round := 0; ; round++ {
		tools := coderTools()
		if round >= coderMaxToolRounds {
			tools = nil
		}
		res, err := llm.Collect(c.provider.Stream(ctx, llm.Request{
			System:    system,
			Messages:  msgs,
			Tools:     tools,
			MaxTokens: c.maxTokens,
		}), func(text string) {
			reply.WriteString(text)
			emit(EventDelta, DeltaEvent{Content: text})
		})
		if err != nil {
			return nil, fmt.Errorf("stream model: %w", err)
		}
		if len(res.ToolCalls) == 0 || tools == nil {
			break
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls})
		for _, call := range res.ToolCalls {
			out, ev := c.runTool(ctx, cs.ID, call)
			emit(EventTool, ToolEvent{Name: call.Name, OK: out.OK, Summary: out.Summary})
			if ev != nil {
				result.Changed = append(result.Changed, *ev)
				emit(EventFile, *ev)
			}
			msgs = append(msgs, out.message(call))
		}
	}

	result.Reply = reply.String()
	if _, err := c.sessions.Merge(ctx, userID, codingSessionKey+cs.ID, map[string]any{
		keyHistory: historyToData(history, userMsg, llm.Message{Role: llm.RoleAssistant, Content: result.Reply}),
	}); err != nil {
		return nil, fmt.Errorf("save coding history: %w", err)
	}
	emit(EventDone, DoneEvent{})
	return result, nil
}

func (c *Coder) system(cs *domain.CodingSession, files []*domain.CodingFile, profile map[string]any) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.catalog.Coder.System))
	if cs.Title != "" {
		fmt.Fprintf(&b, "\n\nProject: %s", cs.Title)
	}
	if len(profile) > 0 {
		data, _ := json.Marshal(profile)
		fmt.Fprintf(&b, "\n\nUser profile: %s", data)
	}
	if len(files) == 0 {
		b.WriteString("\n\nThe project has no files yet.")
		return b.String()
	}

	b.WriteString("\n\nProject files:")
	budget := maxProjectContext
	for _, f := range files {
		if len(f.Content) > maxFileContext || len(f.Content) > budget {
			fmt.Fprintf(&b, "\n--- %s (v%d, %d bytes, content omitted)", f.Path, f.Version, len(f.Content))
			continue
		}
		budget -= len(f.Content)
		fmt.Fprintf(&b, "\n--- %s (v%d)\n%s", f.Path, f.Version, f.Content)
	}
	return b.String()
}

func (c *Coder) runTool(ctx context.Context, codingSessionID string, call llm.ToolCall) (toolOutcome, *FileEvent) {
	if call.Name != toolWriteFile && call.Name != toolDeleteFile {
		return failed("unknown tool " + call.Name), nil
	}
	var args struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return failed("invalid arguments: " + err.Error()), nil
	}
	path, err := domain.CleanFilePath(args.Path)
	if err != nil {
		return failed(fmt.Sprintf("invalid path %q", args.Path)), nil
	}

	switch call.Name {
	case toolWriteFile:
		if args.Content == nil {
			return failed("content is required"), nil
		}
		saved, err := c.files.UpsertCodingFile(ctx, &domain.CodingFile{
			SessionID: codingSessionID,
			Path:      path,
			Content:   *args.Content,
		})
		if err != nil {
			return failed("could not write " + path), nil
		}
		return toolOutcome{
				Result:  map[string]any{"path": saved.Path, "version": saved.Version},
				Summary: fmt.Sprintf("wrote %s (v%d)", saved.Path, saved.Version),
				OK:      true,
			}, &FileEvent{
				Path:     saved.Path,
				Version:  saved.Version,
				Language: saved.Language,
			}
	case toolDeleteFile:
		if err := c.files.DeleteCodingFile(ctx, codingSessionID, path); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return failed(path + " does not exist"), nil
			}
			return failed("could not delete " + path), nil
		}
		return toolOutcome{
			Result:  map[string]any{"deleted": path},
			Summary: "deleted " + path,
			OK:      true,
		}, &FileEvent{Path: path, Deleted: true}
	}
	return failed("unknown tool " + call.Name), nil
}
