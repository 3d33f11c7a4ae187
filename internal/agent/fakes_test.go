package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/github"
	"github.com/heysme/heysme-server/internal/llm"
	"github.com/heysme/heysme-server/internal/scrape"
	"github.com/heysme/heysme-server/internal/store"
)

var errStreamBroken = errors.New("stream broken")

// scriptedProvider replays one chunk script per call. A nil chunk yields
// errStreamBroken. Calls past the script repeat the fallback.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]*llm.Chunk
	fallback []*llm.Chunk
	requests []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, req llm.Request) iter.Seq2[*llm.Chunk, error] {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	chunks := p.fallback
	if i < len(p.turns) {
		chunks = p.turns[i]
	}
	p.mu.Unlock()

	return func(yield func(*llm.Chunk, error) bool) {
		for _, c := range chunks {
			if c == nil {
				yield(nil, errStreamBroken)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (p *scriptedProvider) calls() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func text(s string) *llm.Chunk {
	return &llm.Chunk{Text: s}
}

func call(id, name string, args map[string]any) *llm.Chunk {
	raw, _ := json.Marshal(args)
	return &llm.Chunk{ToolCall: &llm.ToolCall{ID: id, Name: name, Arguments: raw}}
}

type fakeGitHub struct {
	profiles map[string]*github.Profile
}

func (f *fakeGitHub) Profile(_ context.Context, username string) (*github.Profile, error) {
	if p, ok := f.profiles[username]; ok {
		return p, nil
	}
	return nil, github.ErrUserNotFound
}

type fakeScraper struct{}

func (fakeScraper) Fetch(_ context.Context, url string) (*scrape.Page, error) {
	return &scrape.Page{URL: url, Title: "Portfolio", Headings: []string{"Work"}}, nil
}

// fakeCodingStore keeps coding sessions and files in memory.
type fakeCodingStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.CodingSession
	files    map[string]map[string]*domain.CodingFile
}

func newFakeCodingStore(sessions ...*domain.CodingSession) *fakeCodingStore {
	f := &fakeCodingStore{
		sessions: map[string]*domain.CodingSession{},
		files:    map[string]map[string]*domain.CodingFile{},
	}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeCodingStore) GetCodingSession(_ context.Context, id string) (*domain.CodingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id], nil
}

func (f *fakeCodingStore) ListCodingFiles(_ context.Context, sessionID string) ([]*domain.CodingFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*domain.CodingFile{}
	for _, file := range f.files[sessionID] {
		cp := *file
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeCodingStore) UpsertCodingFile(_ context.Context, file *domain.CodingFile) (*domain.CodingFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[file.SessionID] == nil {
		f.files[file.SessionID] = map[string]*domain.CodingFile{}
	}
	existing := f.files[file.SessionID][file.Path]
	saved := *file
	saved.Language = domain.LanguageFromPath(file.Path)
	saved.Version = 1
	saved.UpdatedAt = time.Now()
	if existing != nil {
		saved.Version = existing.Version + 1
	}
	f.files[file.SessionID][file.Path] = &saved
	cp := saved
	return &cp, nil
}

func (f *fakeCodingStore) DeleteCodingFile(_ context.Context, sessionID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[sessionID][path]; !ok {
		return store.ErrNotFound
	}
	delete(f.files[sessionID], path)
	return nil
}
