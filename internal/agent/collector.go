package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/github"
	"github.com/heysme/heysme-server/internal/llm"
	"github.com/heysme/heysme-server/internal/scrape"
	"github.com/heysme/heysme-server/internal/session"
)

const maxToolRounds = 4

// ProfileFetcher loads GitHub profiles.
type ProfileFetcher interface {
	Profile(ctx context.Context, username string) (*github.Profile, error)
}

// PageFetcher loads web page summaries.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*scrape.Page, error)
}

// Collector runs the information collection conversation.
type Collector struct {
	provider  llm.Provider
	sessions  session.Store
	catalog   *Catalog
	github    ProfileFetcher
	scraper   PageFetcher
	maxTokens int
	toolTTL   time.Duration
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithGitHub enables the analyze_github tool.
func WithGitHub(f ProfileFetcher) CollectorOption {
	return func(c *Collector) { c.github = f }
}

// WithScraper enables the scrape_webpage tool.
func WithScraper(f PageFetcher) CollectorOption {
	return func(c *Collector) { c.scraper = f }
}

// WithMaxTokens caps each model response.
func WithMaxTokens(n int) CollectorOption {
	return func(c *Collector) { c.maxTokens = n }
}

// NewCollector creates a collector.
func NewCollector(provider llm.Provider, sessions session.Store, catalog *Catalog, opts ...CollectorOption) *Collector {
	c := &Collector{
		provider: provider,
		sessions: sessions,
		catalog:  catalog,
		toolTTL:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a model provider is configured.
func (c *Collector) Enabled() bool {
	return c != nil && c.provider != nil
}

// CollectState is the client view of a collection session.
type CollectState struct {
	Stage     Stage                `json:"stage"`
	Collected map[string]any       `json:"collected"`
	Missing   []string             `json:"missing"`
	History   []domain.ChatMessage `json:"history"`
	UpdatedAt *time.Time           `json:"updated_at,omitempty"`
}

// TurnResult summarizes a finished collection turn.
type TurnResult struct {
	Stage     Stage
	Collected map[string]any
	Missing   []string
	Reply     string
	ToolsUsed []string
}

type collectState struct {
	stage     Stage
	collected map[string]any
	sources   map[string]any
	history   []llm.Message
}

func loadCollectState(st *domain.SessionState) *collectState {
	cs := &collectState{
		stage:     StageWelcome,
		collected: map[string]any{},
		sources:   map[string]any{},
	}
	if st == nil {
		return cs
	}
	if s, ok := st.Data[keyStage].(string); ok && Stage(s).Valid() {
		cs.stage = Stage(s)
	}
	cs.collected = session.CloneData(mapValue(st.Data[keyCollected]))
	cs.sources = session.CloneData(mapValue(st.Data[keySources]))
	cs.history = historyFromData(st.Data[keyHistory])
	return cs
}

// State returns the current collection state.
func (c *Collector) State(ctx context.Context, userID, sessionID string) (*CollectState, error) {
	st, err := c.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	cs := loadCollectState(st)
	view := &CollectState{
		Stage:     cs.stage,
		Collected: cs.collected,
		Missing:   c.catalog.Missing(cs.collected),
		History:   chatMessages(cs.history),
	}
	if st != nil {
		updated := st.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view, nil
}

// Reset discards the collection state.
func (c *Collector) Reset(ctx context.Context, userID, sessionID string) error {
	if err := c.sessions.Delete(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Turn processes one user message. Recorded facts are persisted even when the
// model stream fails part way.
func (c *Collector) Turn(ctx context.Context, userID, sessionID, message string, emit Emitter) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if emit == nil {
		emit = func(string, any) {}
	}

	st, err := c.sessions.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	state := loadCollectState(st)
	collectedPatch := map[string]any{}
	sourcesPatch := map[string]any{}
	startStage := state.stage

	userMsg := llm.Message{Role: llm.RoleUser, Content: message}
	msgs := append(slices.Clone(state.history), userMsg)
	var reply strings.Builder
	var toolsUsed []string

	var streamErr error
	for round := 0; ; round++ {
		tools := collectorTools(c.catalog.Fields(), c.github != nil, c.scraper != nil)
		if round >= maxToolRounds {
			tools = nil
		}
		req := llm.Request{
			System:    c.catalog.collectorSystem(state.stage, state.collected, state.sources),
			Messages:  msgs,
			Tools:     tools,
			MaxTokens: c.maxTokens,
		}
		res, err := llm.Collect(c.provider.Stream(ctx, req), func(text string) {
			reply.WriteString(text)
			emit(EventDelta, DeltaEvent{Content: text})
		})
		if err != nil {
			streamErr = err
			break
		}
		if len(res.ToolCalls) == 0 || tools == nil {
			break
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls})
		for _, call := range res.ToolCalls {
			out := c.runTool(ctx, state, call, collectedPatch, sourcesPatch)
			toolsUsed = append(toolsUsed, call.Name)
			emit(EventTool, ToolEvent{Name: call.Name, OK: out.OK, Summary: out.Summary})
			msgs = append(msgs, out.message(call))
		}
	}

	if state.stage == StageWelcome {
		state.stage = StageCollecting
	}
	if state.stage == StageCollecting && len(c.catalog.Missing(state.collected)) == 0 {
		state.stage = StageOptimizing
	}

	patch := map[string]any{keyStage: string(state.stage)}
	if len(collectedPatch) > 0 {
		patch[keyCollected] = collectedPatch
	}
	if len(sourcesPatch) > 0 {
		patch[keySources] = sourcesPatch
	}
	if streamErr == nil {
		patch[keyHistory] = historyToData(state.history, userMsg,
			llm.Message{Role: llm.RoleAssistant, Content: reply.String()})
	}

	saved, err := c.sessions.Merge(ctx, userID, sessionID, patch)
	if err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if streamErr != nil {
		return nil, fmt.Errorf("stream model: %w", streamErr)
	}

	final := loadCollectState(saved)
	result := &TurnResult{
		Stage:     final.stage,
		Collected: final.collected,
		Missing:   c.catalog.Missing(final.collected),
		Reply:     reply.String(),
		ToolsUsed: toolsUsed,
	}
	if final.stage != startStage {
		slog.Info("collection stage advanced", "user_id", userID, "session_id", sessionID,
			"from", startStage, "to", final.stage)
	}
	emit(EventState, StateEvent{Stage: result.Stage, Collected: result.Collected, Missing: result.Missing})
	emit(EventDone, DoneEvent{Stage: result.Stage})
	return result, nil
}

func (c *Collector) runTool(ctx context.Context, state *collectState, call llm.ToolCall, collectedPatch, sourcesPatch map[string]any) toolOutcome {
	switch call.Name {
	case toolRecordInfo:
		return c.recordInfo(state, call.Arguments, collectedPatch)
	case toolAdvanceStage:
		return c.advanceStage(state, call.Arguments)
	case toolAnalyzeGitHub:
		if c.github == nil {
			return failed("github lookups are disabled")
		}
		return c.analyzeGitHub(ctx, state, call.Arguments, collectedPatch, sourcesPatch)
	case toolScrapeWebpage:
		if c.scraper == nil {
			return failed("web page lookups are disabled")
		}
		return c.scrapeWebpage(ctx, state, call.Arguments, sourcesPatch)
	default:
		return failed("unknown tool " + call.Name)
	}
}

func (c *Collector) recordInfo(state *collectState, raw json.RawMessage, collectedPatch map[string]any) toolOutcome {
	var args struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failed("invalid arguments: " + err.Error())
	}
	field := strings.ToLower(strings.TrimSpace(args.Field))
	if !slices.Contains(c.catalog.Fields(), field) {
		return failed(fmt.Sprintf("unknown field %q", args.Field))
	}
	if s, ok := args.Value.(string); ok {
		args.Value = strings.TrimSpace(s)
	}
	if isEmptyValue(args.Value) {
		return failed("value is empty")
	}

	state.collected[field] = args.Value
	collectedPatch[field] = args.Value
	return toolOutcome{
		Result:  map[string]any{"recorded": field, "missing": c.catalog.Missing(state.collected)},
		Summary: "recorded " + field,
		OK:      true,
	}
}

var stageOrder = []Stage{StageWelcome, StageCollecting, StageOptimizing, StageReady}

func (c *Collector) advanceStage(state *collectState, raw json.RawMessage) toolOutcome {
	var args struct {
		Stage Stage `json:"stage"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failed("invalid arguments: " + err.Error())
	}
	if !args.Stage.Valid() {
		return failed(fmt.Sprintf("unknown stage %q", args.Stage))
	}
	from := slices.Index(stageOrder, state.stage)
	to := slices.Index(stageOrder, args.Stage)
	if to <= from {
		return failed(fmt.Sprintf("already at stage %s", state.stage))
	}
	if args.Stage == StageReady && state.stage != StageOptimizing {
		return failed("the profile must be reviewed before it is ready")
	}
	if args.Stage != StageCollecting {
		if missing := c.catalog.Missing(state.collected); len(missing) > 0 {
			return failed("still missing: " + strings.Join(missing, ", "))
		}
	}
	state.stage = args.Stage
	return toolOutcome{
		Result:  map[string]any{"stage": string(args.Stage)},
		Summary: "moved to " + string(args.Stage),
		OK:      true,
	}
}

func (c *Collector) analyzeGitHub(ctx context.Context, state *collectState, raw json.RawMessage, collectedPatch, sourcesPatch map[string]any) toolOutcome {
	var args struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failed("invalid arguments: " + err.Error())
	}
	username := strings.TrimPrefix(strings.TrimSpace(args.Username), "@")

	ctx, cancel := context.WithTimeout(ctx, c.toolTTL)
	defer cancel()
	profile, err := c.github.Profile(ctx, username)
	if err != nil {
		if errors.Is(err, github.ErrUserNotFound) || errors.Is(err, github.ErrInvalidUsername) {
			return failed(fmt.Sprintf("github user %q not found", username))
		}
		slog.Warn("github lookup failed", "username", username, "error", err)
		return failed("github lookup failed")
	}
	m, err := toJSONMap(profile)
	if err != nil {
		return failed("github lookup failed")
	}

	state.sources["github"] = m
	sourcesPatch["github"] = m
	if isEmptyValue(state.collected["github"]) {
		state.collected["github"] = profile.HTMLURL
		collectedPatch["github"] = profile.HTMLURL
	}
	return toolOutcome{
		Result:  m,
		Summary: fmt.Sprintf("analyzed github profile %s (%d public repos)", profile.Login, profile.PublicRepos),
		OK:      true,
	}
}

func (c *Collector) scrapeWebpage(ctx context.Context, state *collectState, raw json.RawMessage, sourcesPatch map[string]any) toolOutcome {
	var args struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return failed("invalid arguments: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, c.toolTTL)
	defer cancel()
	page, err := c.scraper.Fetch(ctx, args.URL)
	if err != nil {
		slog.Warn("web page fetch failed", "url", args.URL, "error", err)
		return failed("could not read " + args.URL)
	}
	m, err := toJSONMap(page)
	if err != nil {
		return failed("could not read " + args.URL)
	}

	web := mapValue(state.sources["web"])
	web[page.URL] = m
	state.sources["web"] = web
	webPatch := mapValue(sourcesPatch["web"])
	webPatch[page.URL] = m
	sourcesPatch["web"] = webPatch
	return toolOutcome{
		Result:  m,
		Summary: "read " + page.URL,
		OK:      true,
	}
}
