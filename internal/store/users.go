package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
)

const userColumns = `id, email, username, display_name, avatar_url, plan, invite_code, created_at, updated_at`

func scanUser(row scanner) (*domain.User, error) {
	var (
		user                 domain.User
		inviteCode           sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&user.ID, &user.Email, &user.Username, &user.DisplayName, &user.AvatarURL,
		&user.Plan, &inviteCode, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	user.InviteCode = inviteCode.String
	user.CreatedAt = fromUnix(createdAt)
	user.UpdatedAt = fromUnix(updatedAt)
	return &user, nil
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return user, nil
}

// UpsertUser creates or updates a user record. Profile fields that arrive
// empty keep their stored value.
func (s *SQLStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if user.Plan == "" {
		user.Plan = domain.PlanFree
	}

	query := `
	INSERT INTO users (id, email, username, display_name, avatar_url, plan, invite_code, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE users.email END,
		username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END,
		display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
		avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE users.avatar_url END,
		updated_at = excluded.updated_at`

	return s.withRetry(ctx, "upsert_user", func(ctx context.Context) error {
		_, err := s.exec(ctx, query,
			user.ID, user.Email, user.Username, user.DisplayName, user.AvatarURL,
			user.Plan, nullString(user.InviteCode), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// SetUserInviteCode binds code to the user.
func (s *SQLStore) SetUserInviteCode(ctx context.Context, userID, code string) error {
	res, err := s.exec(ctx, `UPDATE users SET invite_code = ?, updated_at = ? WHERE id = ?`,
		nullString(code), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("set invite code: %w", err)
	}
	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
