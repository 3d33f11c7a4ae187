// Package api provides HTTP handlers for the HeysMe API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heysme/heysme-server/internal/agent"
	"github.com/heysme/heysme-server/internal/config"
	"github.com/heysme/heysme-server/internal/deploy"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/sandbox"
	"github.com/heysme/heysme-server/internal/store"
)

const maxBodyBytes = 2 << 20

// development enables stack traces in error responses.
var development atomic.Bool

// Deployer creates and tracks hosted deployments.
type Deployer interface {
	Enabled() bool
	CreateDeployment(ctx context.Context, name string, files []deploy.File) (*deploy.Deployment, error)
	WaitReady(ctx context.Context, id string, interval time.Duration, onChange func(*deploy.Deployment)) (*deploy.Deployment, error)
}

// Notifier pushes events onto a user's agent stream.
type Notifier interface {
	Broadcast(ev *agent.Event)
}

// Deps are the collaborators of Handler. Only Repo is required.
type Deps struct {
	Repo      store.Repository
	Auth      *identity.Authenticator
	Sandboxes *sandbox.Manager
	Deployer  Deployer
	Events    events.Publisher
	Notifier  Notifier
	Config    *config.Config
	// InviteLimit guards the public invite validation endpoint.
	InviteLimit func(http.Handler) http.Handler
}

// Handler serves the REST endpoints.
type Handler struct {
	repo        store.Repository
	auth        *identity.Authenticator
	sandboxes   *sandbox.Manager
	deployer    Deployer
	events      events.Publisher
	notifier    Notifier
	cfg         *config.Config
	inviteLimit func(http.Handler) http.Handler
	now         func() time.Time

	// sandboxLocks prevents concurrent sandbox runs for one coding session.
	sandboxLocks sync.Map

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewHandler creates a Handler. Missing optional dependencies disable the
// features that need them.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		repo:        d.Repo,
		auth:        d.Auth,
		sandboxes:   d.Sandboxes,
		deployer:    d.Deployer,
		events:      d.Events,
		notifier:    d.Notifier,
		cfg:         d.Config,
		inviteLimit: d.InviteLimit,
		now:         time.Now,
	}
	if h.cfg == nil {
		h.cfg = &config.Config{}
	}
	if h.events == nil {
		h.events = events.Noop{}
	}
	if h.auth == nil {
		h.auth = identity.NewAuthenticator(d.Repo, identity.Options{})
	}
	if h.sandboxes == nil {
		h.sandboxes = sandbox.NewManager(nil, d.Repo, 0)
	}
	if h.inviteLimit == nil {
		h.inviteLimit = func(next http.Handler) http.Handler { return next }
	}
	development.Store(h.cfg.IsDevelopment())
	h.bgCtx, h.bgCancel = context.WithCancel(context.Background())
	return h
}

// Close cancels background deployment watchers and waits for them.
func (h *Handler) Close() {
	h.bgCancel()
	h.bg.Wait()
}

// RegisterRoutes registers every REST route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Optional)

		r.Get("/api/config", h.GetConfig)
		r.With(h.inviteLimit).Post("/api/invite/validate", h.ValidateInvite)
		r.Get("/api/plaza", h.ListPlaza)
		r.Get("/api/plaza/{slug}", h.GetPlazaPage)
		r.Post("/api/plaza/{slug}/like", h.LikePlazaPage)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Require)

		r.Get("/api/me", h.GetMe)
		r.Post("/api/invite/redeem", h.RedeemInvite)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.RequireAdmin)
			r.Post("/api/admin/invites", h.CreateInvites)
			r.Get("/api/admin/invites", h.ListInvites)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.RequireInvite)

			r.Get("/api/pages", h.ListPages)
			r.Post("/api/pages", h.CreatePage)
			r.Get("/api/pages/{id}", h.GetPage)
			r.Put("/api/pages/{id}", h.UpdatePage)
			r.Delete("/api/pages/{id}", h.DeletePage)
			r.Post("/api/pages/{id}/publish", h.PublishPage)
			r.Post("/api/pages/{id}/unpublish", h.UnpublishPage)

			r.Get("/api/coding/sessions", h.ListCodingSessions)
			r.Post("/api/coding/sessions", h.CreateCodingSession)
			r.Get("/api/coding/sessions/{id}", h.GetCodingSession)
			r.Patch("/api/coding/sessions/{id}", h.UpdateCodingSession)
			r.Delete("/api/coding/sessions/{id}", h.DeleteCodingSession)
			r.Get("/api/coding/sessions/{id}/files", h.ListCodingFiles)
			r.Put("/api/coding/sessions/{id}/files", h.PutCodingFile)
			r.Delete("/api/coding/sessions/{id}/files", h.DeleteCodingFile)
			r.Post("/api/coding/sessions/{id}/sandbox", h.RunSandbox)
			r.Delete("/api/coding/sessions/{id}/sandbox", h.KillSandbox)
			r.Post("/api/coding/sessions/{id}/deploy", h.Deploy)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response. Server errors are logged and their
// details are hidden outside development.
func Error(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	body := map[string]string{"error": code}

	switch {
	case status >= http.StatusInternalServerError:
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"user_id", identity.UserIDFromContext(r.Context()),
			"error", err)
		body["message"] = http.StatusText(status)
		if development.Load() && err != nil {
			body["message"] = err.Error()
		}
	case err != nil:
		body["message"] = err.Error()
	default:
		body["message"] = http.StatusText(status)
	}
	if development.Load() {
		body["stack"] = string(debug.Stack())
	}
	JSON(w, status, body)
}

var errInvalidJSON = errors.New("request body must be valid JSON")

// decode reads a size-limited JSON body into dst, answering 400/413 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			Error(w, r, http.StatusRequestEntityTooLarge, "request_too_large", errors.New("request body too large"))
			return false
		}
		Error(w, r, http.StatusBadRequest, "invalid_input", errInvalidJSON)
		return false
	}
	return true
}

// publish sends an event without failing the request.
func (h *Handler) publish(ctx context.Context, subject string, payload any) {
	if err := h.events.Publish(ctx, subject, payload); err != nil {
		slog.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
