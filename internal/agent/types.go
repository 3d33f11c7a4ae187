// Package agent implements the information collection and code generation
// agents and the SSE transport they stream through.
package agent

import "errors"

// Stage is the collection progress tag stored in session state.
type Stage string

// Collection stages, in order.
const (
	StageWelcome    Stage = "welcome"
	StageCollecting Stage = "collecting"
	StageOptimizing Stage = "optimizing"
	StageReady      Stage = "ready"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageWelcome, StageCollecting, StageOptimizing, StageReady:
		return true
	}
	return false
}

// SSE event names.
const (
	EventDelta  = "delta"
	EventTool   = "tool"
	EventState  = "state"
	EventFile   = "file"
	EventDone   = "done"
	EventError  = "error"
	EventDeploy = "deploy"
)

// Session data keys.
const (
	keyStage     = "stage"
	keyCollected = "collected"
	keyHistory   = "history"
	keySources   = "sources"
)

var (
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is required")
	// ErrCodingSessionNotFound is returned when the session is missing or owned by someone else.
	ErrCodingSessionNotFound = errors.New("coding session not found")
)

// CollectRequest is the body of POST /api/agent/collect.
type CollectRequest struct {
	Message string `json:"message"`
}

// CodeRequest is the body of POST /api/agent/code.
type CodeRequest struct {
	CodingSessionID string `json:"coding_session_id"`
	Message         string `json:"message"`
}

// Event is one message delivered through a stream. UserID and SessionID
// address broadcast events and are not serialized.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	UserID    string `json:"-"`
	SessionID string `json:"-"`
}

// Emitter receives events produced during an agent turn.
type Emitter func(event string, data any)

// DeltaEvent carries streamed assistant text.
type DeltaEvent struct {
	Content string `json:"content"`
}

// ToolEvent reports a tool invocation.
type ToolEvent struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Summary string `json:"summary"`
}

// StateEvent reports collection progress.
type StateEvent struct {
	Stage     Stage          `json:"stage"`
	Collected map[string]any `json:"collected"`
	Missing   []string       `json:"missing"`
}

// FileEvent reports a coding file change.
type FileEvent struct {
	Path     string `json:"path"`
	Version  int    `json:"version,omitempty"`
	Language string `json:"language,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// DoneEvent ends a turn.
type DoneEvent struct {
	Stage Stage `json:"stage,omitempty"`
}

// ErrorEvent carries a turn failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

// DeployEvent reports deployment progress on the session stream.
type DeployEvent struct {
	CodingSessionID string `json:"coding_session_id"`
	DeploymentID    string `json:"deployment_id"`
	State           string `json:"state"`
	URL             string `json:"url,omitempty"`
	Error           string `json:"error,omitempty"`
}
