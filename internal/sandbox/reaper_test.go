package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/heysme/heysme-server/internal/domain"
)

func TestReapIdle(t *testing.T) {
	provider := newFakeProvider(ProviderE2B)
	provider.live["a"], provider.live["b"] = true, true

	repo := newFakeStore(
		&domain.CodingSession{ID: "cs-a", UserID: "u1", SandboxID: "a", SandboxProvider: ProviderE2B},
		&domain.CodingSession{ID: "cs-b", UserID: "u2", SandboxID: "b", SandboxProvider: ProviderE2B},
		&domain.CodingSession{ID: "cs-d", UserID: "u3", SandboxID: "d", SandboxProvider: ProviderDocker},
	)
	repo.idle = []*domain.CodingSession{
		{ID: "cs-a", UserID: "u1", SandboxID: "a", SandboxProvider: ProviderE2B},
		{ID: "cs-b", UserID: "u2", SandboxID: "b", SandboxProvider: ProviderE2B},
		{ID: "cs-d", UserID: "u3", SandboxID: "d", SandboxProvider: ProviderDocker},
	}

	var mu sync.Mutex
	var cleaned []string
	n := reapIdle(context.Background(), repo, provider, ReaperOptions{
		TTL:        time.Minute,
		MaxRetries: 2,
		OnCleanup: func(csID, userID string) {
			mu.Lock()
			defer mu.Unlock()
			cleaned = append(cleaned, csID+"/"+userID)
		},
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"cs-a/u1", "cs-b/u2"}, cleaned)
	assert.ElementsMatch(t, []string{"a", "b"}, provider.killed)

	bound, _ := repo.binding("cs-a")
	assert.Empty(t, bound)
	bound, _ = repo.binding("cs-d")
	assert.Equal(t, "d", bound, "other providers' sandboxes are left alone")
}

func TestReapIdleSkipsRebound(t *testing.T) {
	provider := newFakeProvider(ProviderE2B)
	repo := newFakeStore(&domain.CodingSession{ID: "cs-a", SandboxID: "new", SandboxProvider: ProviderE2B})
	repo.idle = []*domain.CodingSession{{ID: "cs-a", SandboxID: "old", SandboxProvider: ProviderE2B}}

	called := false
	n := reapIdle(context.Background(), repo, provider, ReaperOptions{
		OnCleanup: func(string, string) { called = true },
	})

	assert.Zero(t, n)
	assert.False(t, called)
	bound, _ := repo.binding("cs-a")
	assert.Equal(t, "new", bound)
}

func TestStartReaperStopsWithContext(t *testing.T) {
	provider := newFakeProvider(ProviderE2B)
	provider.live["a"] = true
	repo := newFakeStore(&domain.CodingSession{ID: "cs-a", SandboxID: "a", SandboxProvider: ProviderE2B})
	repo.idle = []*domain.CodingSession{{ID: "cs-a", SandboxID: "a", SandboxProvider: ProviderE2B}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var once sync.Once
	StartReaper(ctx, repo, provider, ReaperOptions{
		Interval:  10 * time.Millisecond,
		OnCleanup: func(string, string) { once.Do(func() { close(done) }) },
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not run")
	}
	cancel()
}
