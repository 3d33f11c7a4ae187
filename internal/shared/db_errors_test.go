package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sqlite busy", errors.New("exec: SQLITE_BUSY (5)"), true},
		{"sqlite locked", errors.New("database is locked"), true},
		{"pg serialization", fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"}), true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique", &pgconn.PgError{Code: "23505"}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsConflictError(tt.err); got != tt.want {
			t.Errorf("%s: IsConflictError = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Error("expected pg 23505 to be a unique violation")
	}
	if !IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: user_pages.slug (2067)")) {
		t.Error("expected sqlite unique error to be a unique violation")
	}
	if IsUniqueViolation(errors.New("no such table")) {
		t.Error("unexpected unique violation")
	}
}

func TestRetryOnConflict(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}

	calls = 0
	permanent := errors.New("permanent")
	err = RetryOnConflict(context.Background(), 3, time.Millisecond, "test", func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call with permanent error, got %d calls err=%v", calls, err)
	}
}
