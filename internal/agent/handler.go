package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/heysme/heysme-server/internal/config"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/llm"
)

const (
	defaultMaxRequestBodySize = 1 << 20
	queueIdleTTL              = 15 * time.Minute
)

// Handler serves the agent endpoints and the per-session event stream.
type Handler struct {
	collector      *Collector
	coder          *Coder
	rateLimiter    *RateLimiter
	broadcastChan  chan *Event
	sseConnections map[string]map[int64]*SSEConnection // sessionKey -> ConnectionID -> Connection
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64
	counterMu      sync.Mutex
	done           chan struct{}
	loopDone       chan struct{}
	closeOnce      sync.Once
	log            ConversationLogger
	maxBodySize    int64
	keepalive      time.Duration
	retryDelay     time.Duration
}

// NewHandler creates the agent handler and starts its broadcast loop. cfg may
// be nil, in which case defaults apply.
func NewHandler(collector *Collector, coder *Coder, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}

	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	queueSize := 100
	h := &Handler{
		collector:      collector,
		coder:          coder,
		broadcastChan:  make(chan *Event, 256),
		sseConnections: make(map[string]map[int64]*SSEConnection),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		log:            conversationLogger,
		maxBodySize:    defaultMaxRequestBodySize,
		keepalive:      10 * time.Second,
		retryDelay:     5 * time.Second,
	}
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
		if cfg.SSE.ReplayQueueSize > 0 {
			queueSize = cfg.SSE.ReplayQueueSize
		}
		if cfg.SSE.MaxRequestBodySize > 0 {
			h.maxBodySize = cfg.SSE.MaxRequestBodySize
		}
		if cfg.SSE.KeepaliveInterval > 0 {
			h.keepalive = cfg.SSE.KeepaliveInterval
		}
		if cfg.SSE.RetryDelay > 0 {
			h.retryDelay = cfg.SSE.RetryDelay
		}
	}
	h.rateLimiter = NewRateLimiter(rateLimitRequests, rateLimitWindow)
	h.messageQueue = NewSSEMessageQueue(queueSize)

	go h.broadcastLoop(h.broadcastChan)
	go h.pruneQueues()
	return h
}

// RegisterRoutes registers agent routes. The caller applies authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/collect", h.HandleCollect)
		r.Get("/session", h.HandleGetSession)
		r.Delete("/session", h.HandleResetSession)
		r.Post("/code", h.HandleCode)
		r.Get("/stream", h.HandleStream)
	})
}

// Close stops background goroutines and flushes the conversation log.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.loopDone
		h.rateLimiter.Close()
		if err := h.log.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	})
}

func (h *Handler) pruneQueues() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if n := h.messageQueue.PruneIdle(time.Now().Add(-queueIdleTTL)); n > 0 {
				slog.Debug("pruned idle replay queues", "count", n)
			}
		}
	}
}

// HandleCollect handles POST /api/agent/collect. The turn is streamed back as
// SSE events on the response.
func (h *Handler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.admit(w, r, h.collector.Enabled())
	if !ok {
		return
	}

	var req CollectRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", ErrEmptyMessage.Error())
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Agent collect request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
	)
	h.logUserMessage(userID, sessionID, "collect_http", req.Message, reqID)

	emit, counter, ok := startStream(w)
	if !ok {
		return
	}
	result, err := h.collector.Turn(r.Context(), userID, sessionID, req.Message, emit)
	if err != nil {
		slog.Error("Collect turn failed", "user_id", userID, "session_id", sessionID, "error", err)
		emit(EventError, ErrorEvent{Message: clientMessage(err)})
		h.logAssistantMessage(userID, sessionID, "collect_http", counter.text.String(), counter, err, reqID, nil)
		return
	}
	h.logAssistantMessage(userID, sessionID, "collect_http", result.Reply, counter, nil, reqID, map[string]any{
		"stage":      result.Stage,
		"tools_used": result.ToolsUsed,
	})
}

// HandleGetSession handles GET /api/agent/session.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	state, err := h.collector.State(r.Context(), userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		slog.Error("Failed to load agent session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// HandleResetSession handles DELETE /api/agent/session.
func (h *Handler) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	if err := h.collector.Reset(r.Context(), userID, sessionID); err != nil {
		slog.Error("Failed to reset agent session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to reset session")
		return
	}
	h.messageQueue.Prune(userID, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleCode handles POST /api/agent/code.
func (h *Handler) HandleCode(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.admit(w, r, h.coder.Enabled())
	if !ok {
		return
	}

	var req CodeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CodingSessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "coding_session_id and message are required")
		return
	}
	if _, err := h.coder.Session(r.Context(), userID, req.CodingSessionID); err != nil {
		if errors.Is(err, ErrCodingSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		slog.Error("Failed to load coding session", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load coding session")
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Agent code request",
		"user_id", userID,
		"coding_session_id", req.CodingSessionID,
		"message_length", len(req.Message),
	)
	h.logUserMessage(userID, sessionID, "code_http", req.Message, reqID)

	emit, counter, ok := startStream(w)
	if !ok {
		return
	}
	result, err := h.coder.Turn(r.Context(), userID, sessionID, req.CodingSessionID, req.Message, emit)
	if err != nil {
		slog.Error("Code turn failed", "user_id", userID, "coding_session_id", req.CodingSessionID, "error", err)
		emit(EventError, ErrorEvent{Message: clientMessage(err)})
		h.logAssistantMessage(userID, sessionID, "code_http", counter.text.String(), counter, err, reqID, nil)
		return
	}
	h.logAssistantMessage(userID, sessionID, "code_http", result.Reply, counter, nil, reqID, map[string]any{
		"coding_session_id": req.CodingSessionID,
		"files_changed":     len(result.Changed),
	})
}

// admit runs the checks shared by the turn endpoints.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request, enabled bool) (string, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", "", false
	}
	if !enabled {
		writeError(w, http.StatusServiceUnavailable, "ai_unavailable", "no language model is configured")
		return "", "", false
	}
	// Rate-limit by userID only so clients cannot bypass throttling by
	// rotating session IDs.
	if !h.rateLimiter.Allow(userID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return "", "", false
	}
	return userID, identity.SessionIDFromContext(r.Context()), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_input", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return false
	}
	return true
}

// streamStats tracks what was streamed during a turn for the transcript.
type streamStats struct {
	chunks    int
	text      strings.Builder
	writeErrs int
}

// startStream switches the response to SSE and returns an emitter writing
// named events to it. Write failures are counted, not returned, so the turn
// still persists its results after a client disconnect.
func startStream(w http.ResponseWriter) (Emitter, *streamStats, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return nil, nil, false
	}
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stats := &streamStats{}
	var mu sync.Mutex
	emit := func(event string, data any) {
		mu.Lock()
		defer mu.Unlock()
		if d, ok := data.(DeltaEvent); ok {
			stats.chunks++
			stats.text.WriteString(d.Content)
		}
		if stats.writeErrs > 0 {
			return
		}
		payload, err := json.Marshal(data)
		if err != nil {
			slog.Warn("failed to marshal SSE event", "event", event, "error", err)
			return
		}
		if err := writeSSE(w, event, string(payload)); err != nil {
			stats.writeErrs++
			slog.Warn("failed to write SSE event", "event", event, "error", err)
			return
		}
		flusher.Flush()
	}
	return emit, stats, true
}

func clientMessage(err error) string {
	var apiErr *llm.APIError
	switch {
	case errors.Is(err, ErrCodingSessionNotFound):
		return "coding session not found"
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		return "the model is busy, try again shortly"
	case errors.As(err, &apiErr):
		return "the model request failed"
	default:
		return "the assistant could not finish this turn"
	}
}

func (h *Handler) logUserMessage(userID, sessionID, channel, content, requestID string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "user_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"request_id": requestID,
		},
	})
}

func (h *Handler) logAssistantMessage(userID, sessionID, channel, content string, stats *streamStats, turnErr error, requestID string, extra map[string]any) {
	meta := map[string]any{
		"stream_chunks": stats.chunks,
		"partial":       turnErr != nil || stats.writeErrs > 0,
		"request_id":    requestID,
	}
	if turnErr != nil {
		meta["stream_error"] = turnErr.Error()
	}
	for k, v := range extra {
		meta[k] = v
	}
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
