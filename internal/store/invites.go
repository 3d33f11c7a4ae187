package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/shared"
)

const inviteColumns = `code, max_uses, used_count, expires_at, disabled, created_by, created_at`

func scanInvite(row scanner) (*domain.InviteCode, error) {
	var (
		code      domain.InviteCode
		expiresAt sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(
		&code.Code, &code.MaxUses, &code.UsedCount, &expiresAt,
		&code.Disabled, &code.CreatedBy, &createdAt,
	); err != nil {
		return nil, err
	}
	code.ExpiresAt = timePtr(expiresAt)
	code.CreatedAt = fromUnix(createdAt)
	return &code, nil
}

// CreateInviteCode stores a new invite code. A duplicate code returns ErrConflict.
func (s *SQLStore) CreateInviteCode(ctx context.Context, code *domain.InviteCode) error {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO invite_codes (` + inviteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, query,
		code.Code, code.MaxUses, code.UsedCount, unixOrNil(code.ExpiresAt),
		code.Disabled, code.CreatedBy, code.CreatedAt.Unix(),
	)
	if shared.IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert invite code: %w", err)
	}
	return nil
}

// GetInviteCode retrieves an invite code.
func (s *SQLStore) GetInviteCode(ctx context.Context, code string) (*domain.InviteCode, error) {
	row := s.queryRow(ctx, `SELECT `+inviteColumns+` FROM invite_codes WHERE code = ?`, code)
	invite, err := scanInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan invite row: %w", err)
	}
	return invite, nil
}

// ListInviteCodes returns invite codes, newest first.
func (s *SQLStore) ListInviteCodes(ctx context.Context, limit int) ([]*domain.InviteCode, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.query(ctx, `SELECT `+inviteColumns+` FROM invite_codes ORDER BY created_at DESC, code LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query invite codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var codes []*domain.InviteCode
	for rows.Next() {
		code, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite row: %w", err)
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invite codes: %w", err)
	}
	return codes, nil
}

// RedeemInviteCode consumes one use of code and binds it to userID in a single
// transaction. The use counter never exceeds max_uses under concurrency.
func (s *SQLStore) RedeemInviteCode(ctx context.Context, code, userID string, now time.Time) (*domain.InviteCode, error) {
	var redeemed *domain.InviteCode
	err := s.withRetry(ctx, "redeem_invite", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var err error
			redeemed, err = s.redeemTx(ctx, tx, code, userID, now)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

func (s *SQLStore) redeemTx(ctx context.Context, tx *sql.Tx, code, userID string, now time.Time) (*domain.InviteCode, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+inviteColumns+` FROM invite_codes WHERE code = ?`+s.forUpdate()), code)
	invite, err := scanInvite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInviteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan invite row: %w", err)
	}
	if err := invite.CheckRedeemable(now); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE users SET invite_code = ?, updated_at = ?
		WHERE id = ? AND (invite_code IS NULL OR invite_code = '')`),
		invite.Code, now.Unix(), userID)
	if err != nil {
		return nil, fmt.Errorf("bind invite to user: %w", err)
	}
	rows, err := affected(res)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM users WHERE id = ?`), userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("check user: %w", err)
		}
		return nil, domain.ErrInviteAlreadyRedeemed
	}

	res, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE invite_codes SET used_count = used_count + 1
		WHERE code = ? AND used_count < max_uses`), invite.Code)
	if err != nil {
		return nil, fmt.Errorf("consume invite: %w", err)
	}
	if rows, err = affected(res); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrInviteExhausted
	}

	invite.UsedCount++
	return invite, nil
}

const inviteCodeAttempts = 3

// CreateInviteCodes generates and stores count codes, regenerating a code on
// the rare collision.
func CreateInviteCodes(ctx context.Context, repo Repository, count, maxUses int, expiresAt *time.Time, createdBy string) ([]*domain.InviteCode, error) {
	codes := make([]*domain.InviteCode, 0, count)
	for i := 0; i < count; i++ {
		var created *domain.InviteCode
		for attempt := 0; attempt < inviteCodeAttempts && created == nil; attempt++ {
			code, err := domain.GenerateInviteCode()
			if err != nil {
				return nil, err
			}
			invite := &domain.InviteCode{Code: code, MaxUses: maxUses, ExpiresAt: expiresAt, CreatedBy: createdBy}
			err = repo.CreateInviteCode(ctx, invite)
			if errors.Is(err, ErrConflict) {
				continue
			}
			if err != nil {
				return nil, err
			}
			created = invite
		}
		if created == nil {
			return nil, errors.New("create invite code: too many collisions")
		}
		codes = append(codes, created)
	}
	return codes, nil
}
