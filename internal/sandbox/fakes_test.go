package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	name     string
	next     int
	live     map[string]bool
	written  map[string][]File
	execs    []string
	killed   []string
	execErr  error
	writeErr error
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, live: map[string]bool{}, written: map[string][]File{}}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Create(_ context.Context, _ Spec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := fmt.Sprintf("sbx-%d", p.next)
	p.live[id] = true
	return id, nil
}

func (p *fakeProvider) WriteFiles(_ context.Context, id string, files []File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[id] {
		return ErrNotFound
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	p.written[id] = files
	return nil
}

func (p *fakeProvider) Exec(_ context.Context, id string, cmd Command) (*ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live[id] {
		return nil, ErrNotFound
	}
	if p.execErr != nil {
		return nil, p.execErr
	}
	p.execs = append(p.execs, cmd.Cmd)
	return &ExecResult{Stdout: "ok\n", ExitCode: 0}, nil
}

func (p *fakeProvider) Kill(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, id)
	p.killed = append(p.killed, id)
	return nil
}

func (p *fakeProvider) PreviewURL(id string, port int) string {
	return fmt.Sprintf("https://%d-%s.test", port, id)
}

// vanish simulates an upstream expiry.
func (p *fakeProvider) vanish(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, id)
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.CodingSession
	files    map[string][]*domain.CodingFile
	idle     []*domain.CodingSession
	// beforeSet runs inside SetSandbox before the expected check.
	beforeSet func(cs *domain.CodingSession)
}

func newFakeStore(sessions ...*domain.CodingSession) *fakeStore {
	s := &fakeStore{sessions: map[string]*domain.CodingSession{}, files: map[string][]*domain.CodingFile{}}
	for _, cs := range sessions {
		cp := *cs
		s.sessions[cs.ID] = &cp
	}
	return s
}

func (s *fakeStore) GetCodingSession(_ context.Context, id string) (*domain.CodingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *cs
	return &cp, nil
}

func (s *fakeStore) ListCodingFiles(_ context.Context, id string) ([]*domain.CodingFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id], nil
}

func (s *fakeStore) SetSandbox(_ context.Context, id, provider, sandboxID, expectedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if s.beforeSet != nil {
		s.beforeSet(cs)
		s.beforeSet = nil
	}
	if cs.SandboxID != expectedID {
		return store.ErrOptimisticLock
	}
	cs.SandboxID, cs.SandboxProvider = sandboxID, provider
	return nil
}

func (s *fakeStore) TouchSandbox(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.sessions[id]; ok {
		cs.SandboxSeenAt = &at
	}
	return nil
}

func (s *fakeStore) ListIdleSandboxes(_ context.Context, _ time.Duration) ([]*domain.CodingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle, nil
}

func (s *fakeStore) binding(id string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := s.sessions[id]
	return cs.SandboxID, cs.SandboxProvider
}
