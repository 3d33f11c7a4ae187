// Package sandbox runs generated projects in disposable code execution
// environments (E2B cloud sandboxes or local Docker containers).
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Provider names.
const (
	ProviderE2B    = "e2b"
	ProviderDocker = "docker"
)

var (
	// ErrNotFound is returned when the sandbox no longer exists.
	ErrNotFound = errors.New("sandbox not found")
	// ErrDisabled is returned when no sandbox provider is configured.
	ErrDisabled = errors.New("sandbox provider not configured")
)

// Spec describes a sandbox to create.
type Spec struct {
	SessionID string
	Env       map[string]string
	Timeout   time.Duration
}

// File is one project file to upload. Path is project-relative.
type File struct {
	Path    string
	Content []byte
}

// Command runs through a shell in the project directory.
type Command struct {
	Cmd     string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is the outcome of a finished command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration int64  `json:"duration_ms"`
}

// Provider manages sandboxes of one backend.
type Provider interface {
	Name() string

	// Create starts a sandbox and returns its ID.
	Create(ctx context.Context, spec Spec) (string, error)

	// WriteFiles uploads files into the project directory.
	WriteFiles(ctx context.Context, id string, files []File) error

	// Exec runs a command to completion.
	Exec(ctx context.Context, id string, cmd Command) (*ExecResult, error)

	// Kill destroys the sandbox. Killing a missing sandbox is not an error.
	Kill(ctx context.Context, id string) error

	// PreviewURL returns the public URL of a port, or "" if unknown.
	PreviewURL(id string, port int) string
}

const maxOutputBytes = 64 << 10

// capped keeps the first maxOutputBytes written to it.
type capped struct {
	buf       []byte
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := maxOutputBytes - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
			c.truncated = true
		} else {
			c.buf = append(c.buf, p...)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return string(c.buf) + "\n[output truncated]"
	}
	return string(c.buf)
}
