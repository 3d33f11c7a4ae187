package agent

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/heysme/heysme-server/internal/identity"
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers messages for disconnected clients, sharded per session.
// Each session gets its own bounded list so one user's burst cannot evict
// messages belonging to another user.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // userID:sessionID -> messages
	maxSize int
}

// QueuedMessage represents a message in the queue.
type QueuedMessage struct {
	EventID   int64
	Event     *Event
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-session message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds a message to the per-session queue.
func (q *SSEMessageQueue) Enqueue(userID, sessionID string, eventID int64, ev *Event) {
	key := sseSessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(&QueuedMessage{
		EventID:   eventID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves messages after a specific event ID for a session.
func (q *SSEMessageQueue) GetMissedMessages(userID, sessionID string, afterEventID int64) []*QueuedMessage {
	key := sseSessionKey(userID, sessionID)
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune removes the queue for a session.
func (q *SSEMessageQueue) Prune(userID, sessionID string) {
	key := sseSessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// PruneIdle drops session queues whose newest message is older than cutoff.
func (q *SSEMessageQueue) PruneIdle(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, l := range q.queues {
		back := l.Back()
		if back == nil || back.Value.(*QueuedMessage).Timestamp.Before(cutoff) {
			delete(q.queues, key)
			n++
		}
	}
	return n
}

func sseSessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Broadcast queues ev for delivery to the addressed session's streams. It
// never blocks; events are dropped when the broadcast buffer is full.
func (h *Handler) Broadcast(ev *Event) {
	if ev == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcastChan <- ev:
	default:
		slog.Warn("[BROADCAST] Channel full, dropping event", "user_id", ev.UserID, "type", ev.Type)
	}
}

func (h *Handler) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

// broadcastLoop listens for events and distributes them to connected clients.
func (h *Handler) broadcastLoop(broadcastChan <-chan *Event) {
	defer close(h.loopDone)
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-broadcastChan:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}

			eventID := h.nextEventID()
			h.messageQueue.Enqueue(ev.UserID, ev.SessionID, eventID, ev)

			sessionKey := sseSessionKey(ev.UserID, ev.SessionID)
			h.connectionsMu.RLock()
			userConns, exists := h.sseConnections[sessionKey]
			if !exists {
				h.connectionsMu.RUnlock()
				slog.Debug("[BROADCAST] No connections for session, queued", "user_id", ev.UserID, "session_id", ev.SessionID)
				continue
			}
			// Snapshot connections to avoid holding RLock during writes
			conns := make([]*SSEConnection, 0, len(userConns))
			for _, c := range userConns {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, ev)
			}
		}
	}
}

// sendToConnection sends a message to a specific connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev *Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}
	if eventID <= conn.LastEventID {
		return
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		slog.Error("[SEND] Failed to marshal SSE message", "error", err, "conn_id", conn.ID)
		return
	}
	if err := writeSSEWithID(conn.Writer, eventID, ev.Type, string(data)); err != nil {
		slog.Warn("[SEND] Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}
	conn.Flusher.Flush()
	conn.EventID = eventID
	conn.LastEventID = eventID
}

// HandleStream serves GET /api/agent/stream: events broadcast to the caller's
// session, replayed from Last-Event-ID on reconnect, with keepalive pings.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	streamKey := sseSessionKey(userID, sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", userID,
				"last_event_id", lastEventID,
			)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	setSSEHeaders(w)

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.retryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	// Register while holding conn.mu so live sends wait for the replay. Queued
	// events are enqueued in id order by the broadcast loop, so anything at or
	// below the last replayed id is a duplicate.
	conn.mu.Lock()
	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[streamKey]; !exists {
		h.sseConnections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		if userConns, exists := h.sseConnections[streamKey]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(h.sseConnections, streamKey)
			}
		}
		h.connectionsMu.Unlock()

		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		missed := h.messageQueue.GetMissedMessages(userID, sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed messages", "user_id", userID, "session_id", sessionID, "count", len(missed))
		}
		for _, msg := range missed {
			data, err := json.Marshal(msg.Event.Data)
			if err != nil {
				continue
			}
			if err := writeSSEWithID(w, msg.EventID, msg.Event.Type, string(data)); err != nil {
				conn.mu.Unlock()
				return
			}
			conn.LastEventID = msg.EventID
		}
	}

	eventID := h.nextEventID()
	conn.EventID = eventID
	connectedData, _ := json.Marshal(map[string]any{
		"status":   "connected",
		"user_id":  userID,
		"event_id": eventID,
	})
	if err := writeSSEWithID(w, eventID, "connected", string(connectedData)); err != nil {
		conn.mu.Unlock()
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()
	conn.mu.Unlock()

	slog.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"event_id", eventID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, "ping", `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
		}
	}
}

// ConnectionCount returns the number of open streams for a session.
func (h *Handler) ConnectionCount(userID, sessionID string) int {
	h.connectionsMu.RLock()
	defer h.connectionsMu.RUnlock()
	return len(h.sseConnections[sseSessionKey(userID, sessionID)])
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
