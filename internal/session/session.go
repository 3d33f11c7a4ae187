// Package session keeps transient per-tab conversation state keyed by user and
// session id. State survives restarts only with the Redis backend.
package session

import (
	"context"
	"errors"

	"github.com/heysme/heysme-server/internal/domain"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("session store closed")

// Store persists SessionState values.
type Store interface {
	// Get returns the state for the key, or (nil, nil) if absent or expired.
	Get(ctx context.Context, userID, sessionID string) (*domain.SessionState, error)

	// Put replaces the state for state.Key().
	Put(ctx context.Context, state *domain.SessionState) error

	// Merge deep-merges patch into the stored data, creating the entry if
	// needed, and returns the result. Merges for one key never lose updates.
	Merge(ctx context.Context, userID, sessionID string, patch map[string]any) (*domain.SessionState, error)

	// Delete removes the state for the key.
	Delete(ctx context.Context, userID, sessionID string) error

	// Close releases resources.
	Close() error
}
