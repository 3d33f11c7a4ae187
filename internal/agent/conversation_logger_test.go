package agent

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTranscript(t *testing.T, path string) []ConversationLogEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []ConversationLogEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev ConversationLogEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestConversationLoggerFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{
		UserID: "user_1", SessionID: "tab-1", Channel: "collect_http",
		Direction: "inbound", EventType: "user_message", ContentRaw: "I build \x00compilers",
	})
	logger.Log(ConversationLogEvent{
		UserID: "user_1", SessionID: "tab-1", Channel: "collect_http",
		Direction: "outbound", EventType: "assistant_message", ContentRaw: "Nice!",
	})
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	events := readTranscript(t, filepath.Join(dir, "user_1", "tab-1.ndjson"))
	require.Len(t, events, 2)
	assert.Equal(t, "I build compilers", events[0].Content)
	assert.NotEmpty(t, events[0].Timestamp)
	assert.Equal(t, "assistant_message", events[1].EventType)

	// Logging after close is a no-op.
	logger.Log(ConversationLogEvent{UserID: "user_1", SessionID: "tab-1", ContentRaw: "late"})
	assert.Len(t, readTranscript(t, filepath.Join(dir, "user_1", "tab-1.ndjson")), 2)
}

func TestConversationLoggerSanitizesPaths(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)

	logger.Log(ConversationLogEvent{UserID: "../escape", SessionID: "..", ContentRaw: "x"})
	require.NoError(t, logger.Close())

	_, err = os.Stat(filepath.Join(dir, ".._escape", "_.ndjson"))
	assert.NoError(t, err)
}

func TestConversationLoggerDisabled(t *testing.T) {
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false, Dir: "/nonexistent"}, nil)
	require.NoError(t, err)
	logger.Log(ConversationLogEvent{UserID: "u"})
	assert.NoError(t, logger.Close())
}

func TestCleanForReadability(t *testing.T) {
	assert.Equal(t, "error plain", cleanForReadability("\x1b[31merror\x1b[0m plain"))
	assert.Equal(t, "line one\n\tline two", cleanForReadability("  line one\n\tline two\r  "))
}
