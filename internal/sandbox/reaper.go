package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/heysme/heysme-server/internal/shared"
	"github.com/heysme/heysme-server/internal/store"
)

const reaperInterval = 5 * time.Minute

// CleanupCallback is called after a coding session's sandbox is reaped.
type CleanupCallback func(codingSessionID, userID string)

// ReaperOptions tunes the idle sandbox reaper.
type ReaperOptions struct {
	TTL            time.Duration
	Interval       time.Duration
	KillTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	OnCleanup      CleanupCallback
}

// StartReaper runs a background goroutine that periodically kills sandboxes
// whose coding session has not used them within opts.TTL.
func StartReaper(ctx context.Context, repo Store, provider Provider, opts ReaperOptions) {
	if opts.Interval <= 0 {
		opts.Interval = reaperInterval
	}
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Sandbox reaper started", "interval", opts.Interval, "ttl", opts.TTL)

		for {
			select {
			case <-ticker.C:
				reapIdle(ctx, repo, provider, opts)
			case <-ctx.Done():
				slog.Info("Sandbox reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapIdle kills idle sandboxes of the given provider and returns how many
// bindings were cleared.
func reapIdle(ctx context.Context, repo Store, provider Provider, opts ReaperOptions) int {
	idle, err := repo.ListIdleSandboxes(ctx, opts.TTL)
	if err != nil {
		slog.Error("Sandbox reaper failed to list idle sandboxes", "error", err)
		return 0
	}
	if len(idle) == 0 {
		return 0
	}
	slog.Info("Sandbox reaper found idle sandboxes", "count", len(idle))

	killTimeout := opts.KillTimeout
	if killTimeout <= 0 {
		killTimeout = 30 * time.Second
	}

	cleared := 0
	for _, cs := range idle {
		if cs.SandboxProvider != provider.Name() {
			continue
		}
		killCtx, cancel := context.WithTimeout(ctx, killTimeout)
		err := provider.Kill(killCtx, cs.SandboxID)
		cancel()
		if err != nil {
			slog.Error("Sandbox reaper failed to kill sandbox",
				"error", err,
				"sandbox_id", cs.SandboxID,
				"coding_session_id", cs.ID)
			continue
		}

		err = shared.RetryOnConflict(ctx, opts.MaxRetries, opts.RetryBaseDelay, "reap_sandbox", func(ctx context.Context) error {
			return repo.SetSandbox(ctx, cs.ID, "", "", cs.SandboxID)
		})
		switch {
		case errors.Is(err, store.ErrOptimisticLock):
			// The session was rebound after it was listed; the new sandbox stays.
			slog.Debug("Sandbox reaper lost binding race", "coding_session_id", cs.ID)
			continue
		case err != nil && ctx.Err() != nil:
			slog.Debug("Sandbox reaper canceled, cleanup may be incomplete", "coding_session_id", cs.ID)
			return cleared
		case err != nil:
			slog.Warn("Sandbox reaper failed to clear binding", "error", err, "coding_session_id", cs.ID)
			continue
		}

		cleared++
		if opts.OnCleanup != nil {
			opts.OnCleanup(cs.ID, cs.UserID)
		}
	}

	slog.Info("Sandbox reaper cleanup completed", "cleared", cleared)
	return cleared
}
