package session

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
)

type memoryEntry struct {
	state     *domain.SessionState
	expiresAt time.Time
	elem      *list.Element
}

// MemoryStore is a process-local Store with TTL expiry and a size bound.
// The least recently updated entry is evicted when the bound is reached.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // front = most recently updated, values are keys
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewMemoryStore creates a store and starts its janitor. Call Close to stop it.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	return newMemoryStore(ttl, maxEntries, time.Now, janitorInterval(ttl))
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	return interval
}

func newMemoryStore(ttl time.Duration, maxEntries int, now func() time.Time, sweepEvery time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go s.janitor(sweepEvery)
	return s
}

func (s *MemoryStore) janitor(every time.Duration) {
	defer close(s.doneCh)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				slog.Debug("Expired sessions swept", "count", n)
			}
		}
	}
}

func (s *MemoryStore) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			s.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) removeLocked(key string, e *memoryEntry) {
	s.order.Remove(e.elem)
	delete(s.entries, key)
}

// lookupLocked returns the live entry for key, dropping it if expired.
func (s *MemoryStore) lookupLocked(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expiresAt) {
		s.removeLocked(key, e)
		return nil
	}
	return e
}

func (s *MemoryStore) storeLocked(state *domain.SessionState) {
	key := state.Key()
	now := s.now()
	if e := s.lookupLocked(key); e != nil {
		e.state = state
		e.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(e.elem)
		return
	}

	for s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		s.removeLocked(oldKey, s.entries[oldKey])
		slog.Debug("Session evicted", "key", oldKey)
	}

	e := &memoryEntry{state: state, expiresAt: now.Add(s.ttl)}
	e.elem = s.order.PushFront(key)
	s.entries[key] = e
}

func copyState(st *domain.SessionState) *domain.SessionState {
	cp := *st
	cp.Data = CloneData(st.Data)
	return &cp
}

// Get returns a copy of the stored state.
func (s *MemoryStore) Get(_ context.Context, userID, sessionID string) (*domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e := s.lookupLocked(domain.SessionKey(userID, sessionID))
	if e == nil {
		return nil, nil
	}
	return copyState(e.state), nil
}

// Put replaces the stored state.
func (s *MemoryStore) Put(_ context.Context, state *domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	st := copyState(state)
	now := s.now()
	if existing := s.lookupLocked(state.Key()); existing != nil {
		st.CreatedAt = existing.state.CreatedAt
	} else if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	s.storeLocked(st)
	return nil
}

// Merge deep-merges patch into the stored data under the store lock.
func (s *MemoryStore) Merge(_ context.Context, userID, sessionID string, patch map[string]any) (*domain.SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := s.now()
	var st *domain.SessionState
	if e := s.lookupLocked(domain.SessionKey(userID, sessionID)); e != nil {
		st = copyState(e.state)
	} else {
		st = &domain.SessionState{UserID: userID, SessionID: sessionID, CreatedAt: now}
	}
	st.Data = MergeData(st.Data, patch)
	st.UpdatedAt = now
	s.storeLocked(st)
	return copyState(st), nil
}

// Delete removes the stored state.
func (s *MemoryStore) Delete(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	key := domain.SessionKey(userID, sessionID)
	if e, ok := s.entries[key]; ok {
		s.removeLocked(key, e)
	}
	return nil
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}
