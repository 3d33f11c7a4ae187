package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heysme/heysme-server/internal/config"
)

// ConversationLogConfig controls transcript logging.
type ConversationLogConfig = config.ConversationLogConfig

// ConversationLogEvent is one NDJSON transcript line.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records agent conversations.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger appends events to <dir>/<user>/<session>.ndjson from a
// single writer goroutine. Events are dropped when the queue is full.
type fileConversationLogger struct {
	dir     string
	queue   chan ConversationLogEvent
	files   map[string]*os.File
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewConversationLogger returns a file-backed logger, or a no-op when disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}

	l := &fileConversationLogger{
		dir:    cfg.Dir,
		queue:  make(chan ConversationLogEvent, size),
		files:  make(map[string]*os.File),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped", n)
		}
	}
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("failed to write conversation log", "error", err, "user_id", event.UserID)
		}
	}
	for _, f := range l.files {
		_ = f.Close()
	}
}

func (l *fileConversationLogger) write(event ConversationLogEvent) error {
	f, err := l.fileFor(event.UserID, event.SessionID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *fileConversationLogger) fileFor(userID, sessionID string) (*os.File, error) {
	user := safePathComponent(userID)
	sess := safePathComponent(sessionID)
	key := user + "/" + sess
	if f, ok := l.files[key]; ok {
		return f, nil
	}

	userDir := filepath.Join(l.dir, user)
	if err := os.MkdirAll(userDir, 0o750); err != nil {
		return nil, fmt.Errorf("create user log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(userDir, sess+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}
	l.files[key] = f
	return f, nil
}

func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathComponent(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
)

// cleanForReadability strips terminal escape sequences and stray control
// characters, keeping newlines and tabs.
func cleanForReadability(raw string) string {
	s := ansiOSC.ReplaceAllString(raw, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(s)
}
