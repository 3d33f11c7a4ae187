package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/heysme/heysme-server/internal/domain"
)

const codingSessionColumns = `id, user_id, title, status, sandbox_id, sandbox_provider, sandbox_seen_at,
	deployment_id, deployment_url, deployment_state, created_at, updated_at`

const codingFileColumns = `id, session_id, path, content, language, version, created_at, updated_at`

func scanCodingSession(row scanner) (*domain.CodingSession, error) {
	var (
		session              domain.CodingSession
		sandboxID            sql.NullString
		seenAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&session.ID, &session.UserID, &session.Title, &session.Status,
		&sandboxID, &session.SandboxProvider, &seenAt,
		&session.DeploymentID, &session.DeploymentURL, &session.DeploymentState,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	session.SandboxID = sandboxID.String
	session.SandboxSeenAt = timePtr(seenAt)
	session.CreatedAt = fromUnix(createdAt)
	session.UpdatedAt = fromUnix(updatedAt)
	return &session, nil
}

func scanCodingFile(row scanner) (*domain.CodingFile, error) {
	var (
		file                 domain.CodingFile
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&file.ID, &file.SessionID, &file.Path, &file.Content, &file.Language,
		&file.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	file.CreatedAt = fromUnix(createdAt)
	file.UpdatedAt = fromUnix(updatedAt)
	return &file, nil
}

// CreateCodingSession stores a new coding session.
func (s *SQLStore) CreateCodingSession(ctx context.Context, session *domain.CodingSession) error {
	now := time.Now().UTC()
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.Status == "" {
		session.Status = domain.CodingStatusActive
	}
	session.CreatedAt = now
	session.UpdatedAt = now

	query := `INSERT INTO coding_sessions (` + codingSessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.withRetry(ctx, "create_coding_session", func(ctx context.Context) error {
		_, err := s.exec(ctx, query,
			session.ID, session.UserID, session.Title, session.Status,
			nullString(session.SandboxID), session.SandboxProvider, unixOrNil(session.SandboxSeenAt),
			session.DeploymentID, session.DeploymentURL, session.DeploymentState,
			session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert coding session: %w", err)
		}
		return nil
	})
}

// GetCodingSession retrieves a coding session by ID.
func (s *SQLStore) GetCodingSession(ctx context.Context, sessionID string) (*domain.CodingSession, error) {
	row := s.queryRow(ctx, `SELECT `+codingSessionColumns+` FROM coding_sessions WHERE id = ?`, sessionID)
	session, err := scanCodingSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan coding session row: %w", err)
	}
	return session, nil
}

// ListCodingSessions returns a user's coding sessions, most recently updated first.
func (s *SQLStore) ListCodingSessions(ctx context.Context, userID string) ([]*domain.CodingSession, error) {
	rows, err := s.query(ctx, `SELECT `+codingSessionColumns+` FROM coding_sessions
		WHERE user_id = ? ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query coding sessions: %w", err)
	}
	return collectCodingSessions(rows)
}

func collectCodingSessions(rows *sql.Rows) ([]*domain.CodingSession, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close coding session rows", "error", closeErr)
		}
	}()

	sessions := []*domain.CodingSession{}
	for rows.Next() {
		session, err := scanCodingSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coding session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coding sessions: %w", err)
	}
	return sessions, nil
}

// UpdateCodingSession updates title and status of a session owned by session.UserID.
func (s *SQLStore) UpdateCodingSession(ctx context.Context, session *domain.CodingSession) error {
	session.UpdatedAt = time.Now().UTC()
	return s.withRetry(ctx, "update_coding_session", func(ctx context.Context) error {
		res, err := s.exec(ctx, `UPDATE coding_sessions SET title = ?, status = ?, updated_at = ?
			WHERE id = ? AND user_id = ?`,
			session.Title, session.Status, session.UpdatedAt.Unix(), session.ID, session.UserID)
		if err != nil {
			return fmt.Errorf("update coding session: %w", err)
		}
		rows, err := affected(res)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteCodingSession removes a session and its files.
func (s *SQLStore) DeleteCodingSession(ctx context.Context, sessionID, userID string) error {
	return s.withRetry(ctx, "delete_coding_session", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM coding_files WHERE session_id IN (
				SELECT id FROM coding_sessions WHERE id = ? AND user_id = ?)`), sessionID, userID)
			if err != nil {
				return fmt.Errorf("delete coding files: %w", err)
			}
			if _, err := affected(res); err != nil {
				return err
			}
			res, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM coding_sessions WHERE id = ? AND user_id = ?`), sessionID, userID)
			if err != nil {
				return fmt.Errorf("delete coding session: %w", err)
			}
			rows, err := affected(res)
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrNotFound
			}
			return nil
		})
	})
}

// UpsertCodingFile writes a file. Overwrites keep the ID and increment the version.
func (s *SQLStore) UpsertCodingFile(ctx context.Context, file *domain.CodingFile) (*domain.CodingFile, error) {
	now := time.Now().UTC().Unix()
	if file.Language == "" {
		file.Language = domain.LanguageFromPath(file.Path)
	}

	query := `
	INSERT INTO coding_files (` + codingFileColumns + `)
	VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(session_id, path) DO UPDATE SET
		content = excluded.content,
		language = excluded.language,
		version = coding_files.version + 1,
		updated_at = excluded.updated_at`

	var stored *domain.CodingFile
	err := s.withRetry(ctx, "upsert_coding_file", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, s.rebind(query),
				uuid.NewString(), file.SessionID, file.Path, file.Content, file.Language, now, now,
			); err != nil {
				return fmt.Errorf("upsert coding file: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE coding_sessions SET updated_at = ? WHERE id = ?`),
				now, file.SessionID); err != nil {
				return fmt.Errorf("touch coding session: %w", err)
			}
			row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+codingFileColumns+` FROM coding_files
				WHERE session_id = ? AND path = ?`), file.SessionID, file.Path)
			var err error
			stored, err = scanCodingFile(row)
			if err != nil {
				return fmt.Errorf("scan coding file row: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// ListCodingFiles returns all files of a session ordered by path.
func (s *SQLStore) ListCodingFiles(ctx context.Context, sessionID string) ([]*domain.CodingFile, error) {
	rows, err := s.query(ctx, `SELECT `+codingFileColumns+` FROM coding_files WHERE session_id = ? ORDER BY path`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query coding files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := []*domain.CodingFile{}
	for rows.Next() {
		file, err := scanCodingFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coding file row: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coding files: %w", err)
	}
	return files, nil
}

// DeleteCodingFile removes one file.
func (s *SQLStore) DeleteCodingFile(ctx context.Context, sessionID, path string) error {
	return s.withRetry(ctx, "delete_coding_file", func(ctx context.Context) error {
		res, err := s.exec(ctx, `DELETE FROM coding_files WHERE session_id = ? AND path = ?`, sessionID, path)
		if err != nil {
			return fmt.Errorf("delete coding file: %w", err)
		}
		rows, err := affected(res)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetSandbox binds or clears the sandbox of a session. An empty sandboxID clears it.
func (s *SQLStore) SetSandbox(ctx context.Context, sessionID, provider, sandboxID, expectedID string) error {
	now := time.Now().Unix()
	query := `UPDATE coding_sessions SET sandbox_id = ?, sandbox_provider = ?, sandbox_seen_at = ?, updated_at = ? WHERE id = ?`
	args := []any{nil, "", nil, now, sessionID}
	if sandboxID != "" {
		args[0] = sandboxID
		args[1] = provider
		args[2] = now
	}
	if expectedID != "" {
		query += ` AND sandbox_id = ?`
		args = append(args, expectedID)
	} else {
		query += ` AND (sandbox_id IS NULL OR sandbox_id = '')`
	}

	return s.withRetry(ctx, "set_sandbox", func(ctx context.Context) error {
		res, err := s.exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update sandbox_id: %w", err)
		}
		rows, err := affected(res)
		if err != nil {
			return err
		}
		if rows == 0 {
			slog.Warn("SetSandbox affected 0 rows", "session_id", sessionID, "expected_id", expectedID)
			var exists int
			err := s.queryRow(ctx, `SELECT 1 FROM coding_sessions WHERE id = ?`, sessionID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check coding session: %w", err)
			}
			return ErrOptimisticLock
		}
		return nil
	})
}

// TouchSandbox records sandbox activity for idle reaping.
func (s *SQLStore) TouchSandbox(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE coding_sessions SET sandbox_seen_at = ? WHERE id = ? AND sandbox_id IS NOT NULL`,
		at.Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("touch sandbox: %w", err)
	}
	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		slog.Debug("TouchSandbox affected 0 rows", "session_id", sessionID)
	}
	return nil
}

// ListIdleSandboxes returns sessions whose sandbox has not been touched within ttl.
func (s *SQLStore) ListIdleSandboxes(ctx context.Context, ttl time.Duration) ([]*domain.CodingSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.query(ctx, `SELECT `+codingSessionColumns+` FROM coding_sessions
		WHERE sandbox_id IS NOT NULL AND sandbox_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sandboxes: %w", err)
	}
	return collectCodingSessions(rows)
}

// SetDeployment records the latest deployment of a session.
func (s *SQLStore) SetDeployment(ctx context.Context, sessionID, deploymentID, url, state string) error {
	return s.withRetry(ctx, "set_deployment", func(ctx context.Context) error {
		res, err := s.exec(ctx, `UPDATE coding_sessions SET deployment_id = ?, deployment_url = ?,
			deployment_state = ?, updated_at = ? WHERE id = ?`,
			deploymentID, url, state, time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("set deployment: %w", err)
		}
		rows, err := affected(res)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}
