package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heysme/heysme-server/internal/shared"

	// Register the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Register the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	Driver         string
	URL            string
	SQLitePath     string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// SQLStore implements Repository on database/sql for SQLite and Postgres.
type SQLStore struct {
	db             *sql.DB
	dialect        string
	maxRetries     int
	retryBaseDelay time.Duration
}

var _ Repository = (*SQLStore)(nil)

// Open connects to the configured database. Call Migrate before first use.
func Open(ctx context.Context, opts Options) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch opts.Driver {
	case DialectSQLite:
		if dir := filepath.Dir(opts.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn := opts.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	case DialectPostgres:
		db, err = sql.Open("pgx", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{
		db:             db,
		dialect:        opts.Driver,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	if s.retryBaseDelay <= 0 {
		s.retryBaseDelay = 50 * time.Millisecond
	}
	return s, nil
}

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// withRetry runs a write, retrying busy and serialization errors.
func (s *SQLStore) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return shared.RetryOnConflict(ctx, s.maxRetries, s.retryBaseDelay, op, fn)
}

// inTx runs fn inside a transaction, committing on nil error.
func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// forUpdate returns a row lock suffix where the dialect supports one.
func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func affected(res sql.Result) (int64, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return rows, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
