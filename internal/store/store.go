// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
)

// Store errors. Lookups of missing rows return (nil, nil) instead.
var (
	// ErrNotFound is returned by writes that target a missing or foreign row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken.
	ErrConflict = errors.New("conflict")
	// ErrOptimisticLock is returned when an expected value no longer matches.
	ErrOptimisticLock = errors.New("optimistic lock failed")
)

// Plaza sort orders.
const (
	SortLatest   = "latest"
	SortPopular  = "popular"
	SortFeatured = "featured"
)

// PlazaQuery filters the public page listing.
type PlazaQuery struct {
	Search   string
	Category string
	Tag      string
	Sort     string
	Page     int
	Limit    int
}

// Normalize clamps paging values and applies defaults.
func (q *PlazaQuery) Normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 50 {
		q.Limit = 50
	}
	switch q.Sort {
	case SortLatest, SortPopular, SortFeatured:
	default:
		q.Sort = SortLatest
	}
}

// Offset returns the row offset of the requested page.
func (q *PlazaQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// Repository defines the interface for persisting HeysMe data.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// Migrate creates missing tables and indexes.
	Migrate(ctx context.Context) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user's profile fields. Plan and invite code are preserved.
	UpsertUser(ctx context.Context, user *domain.User) error

	// SetUserInviteCode binds an invite code to a user without consuming a use.
	SetUserInviteCode(ctx context.Context, userID, code string) error

	// CreateInviteCode stores a new invite code.
	CreateInviteCode(ctx context.Context, code *domain.InviteCode) error

	// GetInviteCode retrieves an invite code.
	GetInviteCode(ctx context.Context, code string) (*domain.InviteCode, error)

	// ListInviteCodes returns invite codes, newest first.
	ListInviteCodes(ctx context.Context, limit int) ([]*domain.InviteCode, error)

	// RedeemInviteCode atomically consumes one use of code and binds it to the user.
	RedeemInviteCode(ctx context.Context, code, userID string, now time.Time) (*domain.InviteCode, error)

	// CreatePage stores a new page.
	CreatePage(ctx context.Context, page *domain.UserPage) error

	// GetPage retrieves a page by ID.
	GetPage(ctx context.Context, pageID string) (*domain.UserPage, error)

	// GetPageBySlug retrieves a page by slug.
	GetPageBySlug(ctx context.Context, slug string) (*domain.UserPage, error)

	// ListPagesByUser returns a user's pages, most recently updated first.
	ListPagesByUser(ctx context.Context, userID string) ([]*domain.UserPage, error)

	// UpdatePage updates the editable fields of a page owned by page.UserID.
	UpdatePage(ctx context.Context, page *domain.UserPage) error

	// DeletePage removes a page owned by userID.
	DeletePage(ctx context.Context, pageID, userID string) error

	// SetPagePublished toggles plaza visibility of a page owned by userID.
	SetPagePublished(ctx context.Context, pageID, userID string, public bool, at time.Time) error

	// IncrementPageViews bumps the view counter.
	IncrementPageViews(ctx context.Context, pageID string) error

	// IncrementPageLikes bumps the like counter and returns the new value.
	IncrementPageLikes(ctx context.Context, pageID string) (int64, error)

	// SearchPlaza lists public pages matching q and the total match count.
	SearchPlaza(ctx context.Context, q PlazaQuery) ([]*domain.UserPage, int, error)

	// CreateCodingSession stores a new coding session.
	CreateCodingSession(ctx context.Context, session *domain.CodingSession) error

	// GetCodingSession retrieves a coding session by ID.
	GetCodingSession(ctx context.Context, sessionID string) (*domain.CodingSession, error)

	// ListCodingSessions returns a user's coding sessions, most recently updated first.
	ListCodingSessions(ctx context.Context, userID string) ([]*domain.CodingSession, error)

	// UpdateCodingSession updates title and status.
	UpdateCodingSession(ctx context.Context, session *domain.CodingSession) error

	// DeleteCodingSession removes a session and its files.
	DeleteCodingSession(ctx context.Context, sessionID, userID string) error

	// UpsertCodingFile writes a file, incrementing its version on overwrite.
	UpsertCodingFile(ctx context.Context, file *domain.CodingFile) (*domain.CodingFile, error)

	// ListCodingFiles returns all files of a session ordered by path.
	ListCodingFiles(ctx context.Context, sessionID string) ([]*domain.CodingFile, error)

	// DeleteCodingFile removes one file.
	DeleteCodingFile(ctx context.Context, sessionID, path string) error

	// SetSandbox binds or clears the sandbox of a session.
	// If expectedID is non-empty, the update only happens if the current
	// sandbox_id matches expectedID (optimistic locking).
	SetSandbox(ctx context.Context, sessionID, provider, sandboxID, expectedID string) error

	// TouchSandbox records sandbox activity for idle reaping.
	TouchSandbox(ctx context.Context, sessionID string, at time.Time) error

	// ListIdleSandboxes returns sessions whose sandbox has been idle longer than ttl.
	ListIdleSandboxes(ctx context.Context, ttl time.Duration) ([]*domain.CodingSession, error)

	// SetDeployment records the latest deployment of a session.
	SetDeployment(ctx context.Context, sessionID, deploymentID, url, state string) error
}
