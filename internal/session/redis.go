package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "heysme:session:"
	mergeBaseDelay = 2 * time.Millisecond
	mergeMaxDelay  = 100 * time.Millisecond
)

// RedisStore is a Store shared by every server instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to redisURL (redis://...) and verifies connectivity.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func redisKey(userID, sessionID string) string {
	return redisKeyPrefix + domain.SessionKey(userID, sessionID)
}

func decodeState(raw string) (*domain.SessionState, error) {
	var st domain.SessionState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &st, nil
}

func encodeState(st *domain.SessionState) ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return b, nil
}

// Get returns the stored state or (nil, nil).
func (s *RedisStore) Get(ctx context.Context, userID, sessionID string) (*domain.SessionState, error) {
	raw, err := s.client.Get(ctx, redisKey(userID, sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeState(raw)
}

// Put replaces the stored state and refreshes its TTL. CreatedAt of an
// existing entry is kept.
func (s *RedisStore) Put(ctx context.Context, state *domain.SessionState) error {
	key := redisKey(state.UserID, state.SessionID)
	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		st := *state
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if st.CreatedAt.IsZero() {
				st.CreatedAt = now
			}
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			existing, err := decodeState(raw)
			if err != nil {
				return err
			}
			st.CreatedAt = existing.CreatedAt
		}
		st.UpdatedAt = now
		b, err := encodeState(&st)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			return nil
		})
		return err
	}
	if err := s.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// watch runs txf under WATCH until it commits, backing off with jitter while
// other writers win the key. It only gives up when ctx is done.
func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for attempt := 0; ; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		delay := mergeDelay(attempt)
		slog.Debug("Session write conflict, retrying", "key", key, "attempt", attempt+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// mergeDelay is an exponential delay capped at mergeMaxDelay, jittered
// within [d/2, d).
func mergeDelay(attempt int) time.Duration {
	d := mergeMaxDelay
	if attempt < 6 {
		d = min(mergeBaseDelay<<attempt, mergeMaxDelay)
	}
	return d/2 + rand.N(d/2)
}

// Merge applies patch inside WATCH/MULTI and retries while another writer
// modified the key first.
func (s *RedisStore) Merge(ctx context.Context, userID, sessionID string, patch map[string]any) (*domain.SessionState, error) {
	key := redisKey(userID, sessionID)
	var merged *domain.SessionState

	txf := func(tx *redis.Tx) error {
		now := s.now().UTC()
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			merged = &domain.SessionState{UserID: userID, SessionID: sessionID, CreatedAt: now}
		case err != nil:
			return fmt.Errorf("get session: %w", err)
		default:
			if merged, err = decodeState(raw); err != nil {
				return err
			}
		}
		merged.Data = MergeData(merged.Data, patch)
		merged.UpdatedAt = now

		b, err := encodeState(merged)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, s.ttl)
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, fmt.Errorf("merge session: %w", err)
	}
	return merged, nil
}

// Delete removes the stored state.
func (s *RedisStore) Delete(ctx context.Context, userID, sessionID string) error {
	if err := s.client.Del(ctx, redisKey(userID, sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
