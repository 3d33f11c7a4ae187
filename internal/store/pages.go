package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/shared"
)

const pageColumns = `id, user_id, slug, title, description, category, tags, content,
	is_public, featured, view_count, like_count, deployment_url, created_at, updated_at, published_at`

func scanPage(row scanner) (*domain.UserPage, error) {
	var (
		page                 domain.UserPage
		tags                 string
		content              sql.NullString
		createdAt, updatedAt int64
		publishedAt          sql.NullInt64
	)
	if err := row.Scan(
		&page.ID, &page.UserID, &page.Slug, &page.Title, &page.Description, &page.Category,
		&tags, &content, &page.IsPublic, &page.Featured, &page.ViewCount, &page.LikeCount,
		&page.DeploymentURL, &createdAt, &updatedAt, &publishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &page.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if page.Tags == nil {
		page.Tags = []string{}
	}
	if content.Valid && content.String != "" {
		page.Content = json.RawMessage(content.String)
	}
	page.CreatedAt = fromUnix(createdAt)
	page.UpdatedAt = fromUnix(updatedAt)
	page.PublishedAt = timePtr(publishedAt)
	return &page, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(b), nil
}

func contentOrNil(content json.RawMessage) any {
	if len(content) == 0 {
		return nil
	}
	return string(content)
}

// CreatePage stores a new page. A taken slug returns ErrConflict.
func (s *SQLStore) CreatePage(ctx context.Context, page *domain.UserPage) error {
	now := time.Now().UTC()
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	page.CreatedAt = now
	page.UpdatedAt = now
	if page.IsPublic && page.PublishedAt == nil {
		page.PublishedAt = &now
	}

	tags, err := encodeTags(page.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO user_pages (` + pageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return s.withRetry(ctx, "create_page", func(ctx context.Context) error {
		_, err := s.exec(ctx, query,
			page.ID, page.UserID, page.Slug, page.Title, page.Description, page.Category,
			tags, contentOrNil(page.Content), page.IsPublic, page.Featured,
			page.ViewCount, page.LikeCount, page.DeploymentURL,
			page.CreatedAt.Unix(), page.UpdatedAt.Unix(), unixOrNil(page.PublishedAt),
		)
		if shared.IsUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		return nil
	})
}

func (s *SQLStore) getPageWhere(ctx context.Context, where string, arg any) (*domain.UserPage, error) {
	row := s.queryRow(ctx, `SELECT `+pageColumns+` FROM user_pages WHERE `+where, arg)
	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan page row: %w", err)
	}
	return page, nil
}

// GetPage retrieves a page by ID.
func (s *SQLStore) GetPage(ctx context.Context, pageID string) (*domain.UserPage, error) {
	return s.getPageWhere(ctx, `id = ?`, pageID)
}

// GetPageBySlug retrieves a page by slug.
func (s *SQLStore) GetPageBySlug(ctx context.Context, slug string) (*domain.UserPage, error) {
	return s.getPageWhere(ctx, `slug = ?`, slug)
}

// ListPagesByUser returns a user's pages, most recently updated first.
func (s *SQLStore) ListPagesByUser(ctx context.Context, userID string) ([]*domain.UserPage, error) {
	rows, err := s.query(ctx, `SELECT `+pageColumns+` FROM user_pages WHERE user_id = ? ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	return collectPages(rows)
}

func collectPages(rows *sql.Rows) ([]*domain.UserPage, error) {
	defer func() { _ = rows.Close() }()

	pages := []*domain.UserPage{}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

// UpdatePage updates slug, title, description, category, tags, content and
// deployment URL of a page owned by page.UserID.
func (s *SQLStore) UpdatePage(ctx context.Context, page *domain.UserPage) error {
	tags, err := encodeTags(page.Tags)
	if err != nil {
		return err
	}
	page.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE user_pages SET slug = ?, title = ?, description = ?, category = ?, tags = ?,
		content = ?, deployment_url = ?, updated_at = ?
	WHERE id = ? AND user_id = ?`
	return s.withRetry(ctx, "update_page", func(ctx context.Context) error {
		res, err := s.exec(ctx, query,
			page.Slug, page.Title, page.Description, page.Category, tags,
			contentOrNil(page.Content), page.DeploymentURL, page.UpdatedAt.Unix(),
			page.ID, page.UserID,
		)
		if shared.IsUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("update page: %w", err)
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

// DeletePage removes a page owned by userID.
func (s *SQLStore) DeletePage(ctx context.Context, pageID, userID string) error {
	return s.withRetry(ctx, "delete_page", func(ctx context.Context) error {
		res, err := s.exec(ctx, `DELETE FROM user_pages WHERE id = ? AND user_id = ?`, pageID, userID)
		if err != nil {
			return fmt.Errorf("delete page: %w", err)
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

// SetPagePublished toggles plaza visibility. The first publish time is kept
// across unpublish/publish cycles.
func (s *SQLStore) SetPagePublished(ctx context.Context, pageID, userID string, public bool, at time.Time) error {
	query := `
	UPDATE user_pages SET is_public = ?, updated_at = ?,
		published_at = CASE WHEN ? AND published_at IS NULL THEN ? ELSE published_at END
	WHERE id = ? AND user_id = ?`
	return s.withRetry(ctx, "set_page_published", func(ctx context.Context) error {
		res, err := s.exec(ctx, query, public, at.Unix(), public, at.Unix(), pageID, userID)
		if err != nil {
			return fmt.Errorf("set page published: %w", err)
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

// IncrementPageViews bumps the view counter.
func (s *SQLStore) IncrementPageViews(ctx context.Context, pageID string) error {
	return s.withRetry(ctx, "increment_views", func(ctx context.Context) error {
		if _, err := s.exec(ctx, `UPDATE user_pages SET view_count = view_count + 1 WHERE id = ?`, pageID); err != nil {
			return fmt.Errorf("increment views: %w", err)
		}
		return nil
	})
}

// IncrementPageLikes bumps the like counter and returns the new value.
func (s *SQLStore) IncrementPageLikes(ctx context.Context, pageID string) (int64, error) {
	var likes int64
	err := s.withRetry(ctx, "increment_likes", func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, s.rebind(`UPDATE user_pages SET like_count = like_count + 1 WHERE id = ?`), pageID)
			if err != nil {
				return fmt.Errorf("increment likes: %w", err)
			}
			rows, err := affected(res)
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrNotFound
			}
			if err := tx.QueryRowContext(ctx, s.rebind(`SELECT like_count FROM user_pages WHERE id = ?`), pageID).Scan(&likes); err != nil {
				return fmt.Errorf("read likes: %w", err)
			}
			return nil
		})
	})
	return likes, err
}

// SearchPlaza lists public pages matching q and the total match count.
func (s *SQLStore) SearchPlaza(ctx context.Context, q PlazaQuery) ([]*domain.UserPage, int, error) {
	q.Normalize()

	where := []string{"is_public = ?"}
	args := []any{true}
	if term := strings.TrimSpace(q.Search); term != "" {
		like := "%" + escapeLike(strings.ToLower(term)) + "%"
		where = append(where, `(LOWER(title) LIKE ? ESCAPE '\' OR LOWER(description) LIKE ? ESCAPE '\')`)
		args = append(args, like, like)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if tag := strings.ToLower(strings.TrimSpace(q.Tag)); tag != "" {
		encoded, _ := json.Marshal(tag)
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(string(encoded))+"%")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM user_pages WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count plaza pages: %w", err)
	}

	var order string
	switch q.Sort {
	case SortPopular:
		order = "like_count DESC, view_count DESC, published_at DESC"
	case SortFeatured:
		order = "featured DESC, like_count DESC, published_at DESC"
	default:
		order = "published_at DESC, created_at DESC"
	}

	listArgs := append(append([]any{}, args...), q.Limit, q.Offset())
	rows, err := s.query(ctx, `SELECT `+pageColumns+` FROM user_pages WHERE `+clause+
		` ORDER BY `+order+`, id LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("query plaza pages: %w", err)
	}
	pages, err := collectPages(rows)
	if err != nil {
		return nil, 0, err
	}
	return pages, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
