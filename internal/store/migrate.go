package store

import (
	"context"
	"fmt"
)

// schema is portable between SQLite and Postgres. Timestamps are unix seconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL DEFAULT 'free',
		invite_code TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS invite_codes (
		code TEXT PRIMARY KEY,
		max_uses INTEGER NOT NULL,
		used_count INTEGER NOT NULL DEFAULT 0,
		expires_at BIGINT,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_pages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'other',
		tags TEXT NOT NULL DEFAULT '[]',
		content TEXT,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		featured BOOLEAN NOT NULL DEFAULT FALSE,
		view_count BIGINT NOT NULL DEFAULT 0,
		like_count BIGINT NOT NULL DEFAULT 0,
		deployment_url TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		published_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_pages_user ON user_pages(user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_user_pages_public ON user_pages(is_public, published_at)`,
	`CREATE TABLE IF NOT EXISTS coding_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		sandbox_id TEXT,
		sandbox_provider TEXT NOT NULL DEFAULT '',
		sandbox_seen_at BIGINT,
		deployment_id TEXT NOT NULL DEFAULT '',
		deployment_url TEXT NOT NULL DEFAULT '',
		deployment_state TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_coding_sessions_user ON coding_sessions(user_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_coding_sessions_sandbox ON coding_sessions(sandbox_seen_at) WHERE sandbox_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS coding_files (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES coding_sessions(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (session_id, path)
	)`,
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
