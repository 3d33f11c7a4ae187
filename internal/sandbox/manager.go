package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/store"
)

// Store is the part of the repository that tracks sandbox bindings.
type Store interface {
	GetCodingSession(ctx context.Context, sessionID string) (*domain.CodingSession, error)
	ListCodingFiles(ctx context.Context, sessionID string) ([]*domain.CodingFile, error)
	SetSandbox(ctx context.Context, sessionID, provider, sandboxID, expectedID string) error
	TouchSandbox(ctx context.Context, sessionID string, at time.Time) error
	ListIdleSandboxes(ctx context.Context, ttl time.Duration) ([]*domain.CodingSession, error)
}

// Manager binds sandboxes to coding sessions.
type Manager struct {
	provider Provider
	repo     Store
	timeout  time.Duration
	now      func() time.Time
}

// NewManager creates a manager. provider may be nil when sandboxes are disabled.
func NewManager(provider Provider, repo Store, timeout time.Duration) *Manager {
	return &Manager{provider: provider, repo: repo, timeout: timeout, now: time.Now}
}

// Enabled reports whether a provider is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.provider != nil
}

// ProviderName returns the configured provider name.
func (m *Manager) ProviderName() string {
	if !m.Enabled() {
		return ""
	}
	return m.provider.Name()
}

// RunResult is returned by Run.
type RunResult struct {
	SandboxID  string      `json:"sandbox_id"`
	Created    bool        `json:"created"`
	PreviewURL string      `json:"preview_url,omitempty"`
	Files      int         `json:"files"`
	Exec       *ExecResult `json:"exec,omitempty"`
}

// Ensure returns the session's sandbox, creating and binding one if needed.
// A concurrent binding by another request wins; the loser's sandbox is killed.
func (m *Manager) Ensure(ctx context.Context, cs *domain.CodingSession) (string, bool, error) {
	if !m.Enabled() {
		return "", false, ErrDisabled
	}
	if cs.SandboxID != "" && cs.SandboxProvider == m.provider.Name() {
		if err := m.repo.TouchSandbox(ctx, cs.ID, m.now()); err != nil {
			slog.Warn("Failed to touch sandbox", "coding_session_id", cs.ID, "error", err)
		}
		return cs.SandboxID, false, nil
	}

	id, err := m.provider.Create(ctx, Spec{SessionID: cs.ID, Timeout: m.timeout})
	if err != nil {
		return "", false, fmt.Errorf("create sandbox: %w", err)
	}

	if err := m.repo.SetSandbox(ctx, cs.ID, m.provider.Name(), id, cs.SandboxID); err != nil {
		m.killQuietly(id)
		if !errors.Is(err, store.ErrOptimisticLock) {
			return "", false, fmt.Errorf("bind sandbox: %w", err)
		}
		fresh, getErr := m.repo.GetCodingSession(ctx, cs.ID)
		if getErr != nil || fresh == nil || fresh.SandboxID == "" {
			return "", false, fmt.Errorf("bind sandbox: %w", err)
		}
		slog.Info("Sandbox bound concurrently, reusing", "coding_session_id", cs.ID, "sandbox_id", fresh.SandboxID)
		*cs = *fresh
		return fresh.SandboxID, false, nil
	}

	if cs.SandboxID != "" {
		// The previous binding belonged to another provider.
		m.killQuietly(cs.SandboxID)
	}
	slog.Info("Sandbox created", "coding_session_id", cs.ID, "sandbox_id", id, "provider", m.provider.Name())
	cs.SandboxID = id
	cs.SandboxProvider = m.provider.Name()
	return id, true, nil
}

// Run ensures a sandbox, uploads every session file and optionally runs a
// command. A sandbox that vanished upstream is recreated once.
func (m *Manager) Run(ctx context.Context, cs *domain.CodingSession, command string, port int) (*RunResult, error) {
	res, err := m.run(ctx, cs, command, port)
	if errors.Is(err, ErrNotFound) {
		slog.Info("Sandbox vanished, recreating", "coding_session_id", cs.ID, "sandbox_id", cs.SandboxID)
		if clearErr := m.repo.SetSandbox(ctx, cs.ID, "", "", cs.SandboxID); clearErr != nil &&
			!errors.Is(clearErr, store.ErrOptimisticLock) {
			return nil, fmt.Errorf("clear sandbox: %w", clearErr)
		}
		cs.SandboxID, cs.SandboxProvider = "", ""
		res, err = m.run(ctx, cs, command, port)
	}
	return res, err
}

func (m *Manager) run(ctx context.Context, cs *domain.CodingSession, command string, port int) (*RunResult, error) {
	id, created, err := m.Ensure(ctx, cs)
	if err != nil {
		return nil, err
	}
	files, err := m.repo.ListCodingFiles(ctx, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("list coding files: %w", err)
	}
	upload := make([]File, 0, len(files))
	for _, f := range files {
		upload = append(upload, File{Path: f.Path, Content: []byte(f.Content)})
	}
	if err := m.provider.WriteFiles(ctx, id, upload); err != nil {
		return nil, fmt.Errorf("write files: %w", err)
	}

	res := &RunResult{SandboxID: id, Created: created, Files: len(upload)}
	if port > 0 {
		res.PreviewURL = m.provider.PreviewURL(id, port)
	}
	if command != "" {
		out, err := m.provider.Exec(ctx, id, Command{Cmd: command, Timeout: 2 * time.Minute})
		if err != nil {
			return nil, fmt.Errorf("exec: %w", err)
		}
		res.Exec = out
	}
	return res, nil
}

// Kill destroys the session's sandbox and clears the binding.
func (m *Manager) Kill(ctx context.Context, cs *domain.CodingSession) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	if cs.SandboxID == "" {
		return nil
	}
	if err := m.provider.Kill(ctx, cs.SandboxID); err != nil {
		return fmt.Errorf("kill sandbox: %w", err)
	}
	if err := m.repo.SetSandbox(ctx, cs.ID, "", "", cs.SandboxID); err != nil && !errors.Is(err, store.ErrOptimisticLock) {
		return fmt.Errorf("clear sandbox: %w", err)
	}
	cs.SandboxID, cs.SandboxProvider = "", ""
	return nil
}

func (m *Manager) killQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.provider.Kill(ctx, id); err != nil {
		slog.Warn("Failed to kill sandbox", "sandbox_id", id, "error", err)
	}
}

// Destroy kills a sandbox whose coding session no longer exists.
func (m *Manager) Destroy(ctx context.Context, sandboxID string) error {
	if !m.Enabled() {
		return ErrDisabled
	}
	return m.provider.Kill(ctx, sandboxID)
}
