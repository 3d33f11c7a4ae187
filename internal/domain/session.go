package domain

import (
	"time"
)

// SessionState is the transient per-user, per-tab work state of the agents.
// It is never written to the relational store.
type SessionState struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the composite cache key for the state.
func (s *SessionState) Key() string {
	return SessionKey(s.UserID, s.SessionID)
}

// SessionKey builds the userID:sessionID key used by session stores.
func SessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// ChatMessage is a serialized conversation entry kept in session state.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
