package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/heysme/heysme-server/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMergeData(t *testing.T) {
	dst := map[string]any{
		"stage": "welcome",
		"collected": map[string]any{
			"name": "Ada",
			"role": "engineer",
		},
		"drop": "me",
	}
	patch := map[string]any{
		"stage": "collecting",
		"collected": map[string]any{
			"role":   "architect",
			"skills": []any{"go"},
		},
		"drop": nil,
	}

	got := MergeData(dst, patch)
	want := map[string]any{
		"stage": "collecting",
		"collected": map[string]any{
			"name":   "Ada",
			"role":   "architect",
			"skills": []any{"go"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("MergeData mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeDataReplacesNonObject(t *testing.T) {
	got := MergeData(map[string]any{"k": "scalar"}, map[string]any{"k": map[string]any{"a": 1}})
	assert.Equal(t, map[string]any{"k": map[string]any{"a": 1}}, got)

	got = MergeData(map[string]any{"k": map[string]any{"a": 1}}, map[string]any{"k": "scalar"})
	assert.Equal(t, map[string]any{"k": "scalar"}, got)
}

func TestMergeDataDoesNotAliasPatch(t *testing.T) {
	list := []any{"a"}
	got := MergeData(nil, map[string]any{"list": list})
	list[0] = "mutated"
	assert.Equal(t, []any{"a"}, got["list"])
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(t *testing.T, ttl time.Duration, max int) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newMemoryStore(ttl, max, clock.Now, time.Hour)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestMemoryStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t, time.Hour, 10)

	got, err := s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, &domain.SessionState{UserID: "u1", SessionID: "tab", Data: map[string]any{"a": "b"}}))
	got, err = s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Data["a"])
	assert.False(t, got.CreatedAt.IsZero())

	got.Data["a"] = "mutated"
	again, err := s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Equal(t, "b", again.Data["a"])

	other, err := s.Get(ctx, "u2", "tab")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, s.Delete(ctx, "u1", "tab"))
	got, err = s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemoryStore(t, time.Minute, 10)

	_, err := s.Merge(ctx, "u1", "tab", map[string]any{"x": 1})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	got, err := s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	require.NotNil(t, got)

	clock.Advance(31 * time.Second)
	got, err = s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreSweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemoryStore(t, time.Minute, 10)

	for i := 0; i < 3; i++ {
		_, err := s.Merge(ctx, "u", fmt.Sprintf("tab-%d", i), map[string]any{"i": i})
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 3, s.sweep())
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreEvictsLeastRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestMemoryStore(t, time.Hour, 2)

	_, err := s.Merge(ctx, "u", "a", map[string]any{"v": 1})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Merge(ctx, "u", "b", map[string]any{"v": 1})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Merge(ctx, "u", "a", map[string]any{"v": 2})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.Merge(ctx, "u", "c", map[string]any{"v": 1})
	require.NoError(t, err)

	assert.Equal(t, 2, s.Len())
	b, err := s.Get(ctx, "u", "b")
	require.NoError(t, err)
	assert.Nil(t, b)
	a, err := s.Get(ctx, "u", "a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 2, a.Data["v"])
}

func TestMemoryStoreConcurrentMerge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(t, time.Hour, 100)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Merge(ctx, "u", "tab", map[string]any{
				"fields": map[string]any{fmt.Sprintf("f%d", i): i},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "u", "tab")
	require.NoError(t, err)
	fields, ok := got.Data["fields"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, fields, writers)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore(time.Minute, 10)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "u", "tab")
	assert.ErrorIs(t, err, ErrClosed)
}

func newTestRedisStore(t *testing.T) (*RedisStore, *fakeClock) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewRedisStoreWithClient(client, time.Minute)
	s.now = clock.Now
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestRedisStoreGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	got, err := s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Put(ctx, &domain.SessionState{UserID: "u1", SessionID: "tab", Data: map[string]any{"a": "b"}}))
	got, err = s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.Data["a"])

	require.NoError(t, s.Delete(ctx, "u1", "tab"))
	got, err = s.Get(ctx, "u1", "tab")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	memory, memClock := newTestMemoryStore(t, time.Hour, 10)
	redisStore, redisClock := newTestRedisStore(t)

	backends := map[string]struct {
		store Store
		clock *fakeClock
	}{
		"memory": {memory, memClock},
		"redis":  {redisStore, redisClock},
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			created := b.clock.Now()
			require.NoError(t, b.store.Put(ctx, &domain.SessionState{UserID: "u", SessionID: "tab"}))

			b.clock.Advance(time.Minute)
			stale := created.Add(-24 * time.Hour)
			require.NoError(t, b.store.Put(ctx, &domain.SessionState{
				UserID: "u", SessionID: "tab", CreatedAt: stale, Data: map[string]any{"v": "2"},
			}))

			got, err := b.store.Get(ctx, "u", "tab")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.CreatedAt.Equal(created), "created_at %v, want %v", got.CreatedAt, created)
			assert.True(t, got.UpdatedAt.Equal(created.Add(time.Minute)))
			assert.Equal(t, "2", got.Data["v"])
		})
	}
}

func TestRedisStoreConcurrentMerge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)

	const writers = 30
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Merge(ctx, "u", "tab", map[string]any{
				"fields": map[string]any{fmt.Sprintf("f%d", i): i},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, "u", "tab")
	require.NoError(t, err)
	require.NotNil(t, got)
	fields, ok := got.Data["fields"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, fields, writers)
}

func TestRedisStoreMergeStopsOnCancel(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Merge(ctx, "u", "tab", map[string]any{"x": 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := mergeDelay(attempt)
		assert.GreaterOrEqual(t, d, mergeBaseDelay/2)
		assert.Less(t, d, mergeMaxDelay)
	}
}
