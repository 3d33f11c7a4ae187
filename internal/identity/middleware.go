package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/store"
)

// Options configures an Authenticator.
type Options struct {
	// Verifier may be nil, in which case only the development user can sign in.
	Verifier       *Verifier
	DevUserID      string
	IsDev          bool
	InviteRequired bool
	IsAdmin        func(userID string) bool
}

// Authenticator resolves the calling user and enforces access rules.
type Authenticator struct {
	repo store.Repository
	opts Options
}

// NewAuthenticator creates an Authenticator backed by repo.
func NewAuthenticator(repo store.Repository, opts Options) *Authenticator {
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(string) bool { return false }
	}
	return &Authenticator{repo: repo, opts: opts}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

// resolve returns the verified claims of the request, or nil when anonymous.
func (a *Authenticator) resolve(r *http.Request) *Claims {
	if token := tokenFromRequest(r); token != "" && a.opts.Verifier != nil {
		claims, err := a.opts.Verifier.Verify(token)
		if err != nil {
			slog.Debug("Rejected session token", "error", err, "ip", IPFromRequest(r))
			return nil
		}
		return claims
	}
	if a.opts.IsDev && a.opts.DevUserID != "" {
		c := &Claims{Username: "dev"}
		c.Subject = a.opts.DevUserID
		return c
	}
	return nil
}

// ensureUser keeps the users row in step with the token's profile claims.
func ensureUser(ctx context.Context, repo store.Repository, claims *Claims) (*domain.User, error) {
	user, err := repo.GetUser(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user != nil && !profileChanged(user, claims) {
		return user, nil
	}

	next := &domain.User{ID: claims.Subject}
	if user != nil {
		next = user
	}
	if claims.Email != "" {
		next.Email = claims.Email
	}
	if claims.Username != "" {
		next.Username = claims.Username
	}
	if claims.Name != "" {
		next.DisplayName = claims.Name
	}
	if claims.ImageURL != "" {
		next.AvatarURL = claims.ImageURL
	}
	if err := repo.UpsertUser(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func profileChanged(u *domain.User, c *Claims) bool {
	return (c.Email != "" && c.Email != u.Email) ||
		(c.Username != "" && c.Username != u.Username) ||
		(c.Name != "" && c.Name != u.DisplayName) ||
		(c.ImageURL != "" && c.ImageURL != u.AvatarURL)
}

func (a *Authenticator) attach(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	sessionID := sessionIDFromRequest(r)
	ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)

	claims := a.resolve(r)
	if claims == nil {
		return r.WithContext(ctx), true
	}

	user, err := ensureUser(ctx, a.repo, claims)
	if err != nil {
		slog.Error("Failed to initialize user", "user_id", claims.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to initialize user")
		return nil, false
	}

	ctx = context.WithValue(ctx, userIDKey, user.ID)
	ctx = context.WithValue(ctx, userKey, user)
	return r.WithContext(ctx), true
}

// Optional records the caller's identity when a valid token is present.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := a.attach(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests without a valid identity.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok := a.attach(w, r)
		if !ok {
			return
		}
		if UserIDFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin must run after Require.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.opts.IsAdmin(UserIDFromContext(r.Context())) {
			writeError(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireInvite must run after Require. It passes when invites are disabled.
func (a *Authenticator) RequireInvite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.InviteRequired {
			user := UserFromContext(r.Context())
			if user == nil || !user.HasRedeemedInvite() {
				writeError(w, http.StatusForbidden, "invite_required", "an invite code is required")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// InviteRequired reports whether invite gating is on.
func (a *Authenticator) InviteRequired() bool {
	return a.opts.InviteRequired
}

// IsAdmin reports whether userID has admin rights.
func (a *Authenticator) IsAdmin(userID string) bool {
	return a.opts.IsAdmin(userID)
}
