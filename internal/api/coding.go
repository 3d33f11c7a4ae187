package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/store"
)

const (
	maxTitleLength  = 200
	maxFileBytes    = 512 << 10
	defaultCodeName = "Untitled project"
)

var errCodingSessionNotFound = errors.New("coding session not found")

// ownedCodingSession loads the session in the URL when the caller owns it.
func (h *Handler) ownedCodingSession(w http.ResponseWriter, r *http.Request) *domain.CodingSession {
	cs, err := h.repo.GetCodingSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return nil
	}
	if cs == nil || cs.UserID != identity.UserIDFromContext(r.Context()) {
		Error(w, r, http.StatusNotFound, "not_found", errCodingSessionNotFound)
		return nil
	}
	return cs
}

// ListCodingSessions returns the caller's coding sessions.
func (h *Handler) ListCodingSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListCodingSessions(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if sessions == nil {
		sessions = []*domain.CodingSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

type codingSessionInput struct {
	Title  *string `json:"title"`
	Status *string `json:"status"`
}

// CreateCodingSession starts a new coding session.
func (h *Handler) CreateCodingSession(w http.ResponseWriter, r *http.Request) {
	var in codingSessionInput
	if !decode(w, r, &in) {
		return
	}
	title := defaultCodeName
	if in.Title != nil && strings.TrimSpace(*in.Title) != "" {
		title = strings.TrimSpace(*in.Title)
	}
	if len(title) > maxTitleLength {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("title is too long"))
		return
	}

	cs := &domain.CodingSession{UserID: identity.UserIDFromContext(r.Context()), Title: title}
	if err := h.repo.CreateCodingSession(r.Context(), cs); err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	slog.Info("Coding session created", "coding_session_id", cs.ID, "user_id", cs.UserID)
	JSON(w, http.StatusCreated, cs)
}

// GetCodingSession returns a session with its files.
func (h *Handler) GetCodingSession(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	files, err := h.repo.ListCodingFiles(r.Context(), cs.ID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if files == nil {
		files = []*domain.CodingFile{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": cs, "files": files})
}

// UpdateCodingSession renames or archives a session.
func (h *Handler) UpdateCodingSession(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	var in codingSessionInput
	if !decode(w, r, &in) {
		return
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" || len(title) > maxTitleLength {
			Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("title must be 1-200 characters"))
			return
		}
		cs.Title = title
	}
	if in.Status != nil {
		switch *in.Status {
		case domain.CodingStatusActive, domain.CodingStatusArchived:
			cs.Status = *in.Status
		default:
			Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("status must be active or archived"))
			return
		}
	}

	err := h.repo.UpdateCodingSession(r.Context(), cs)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errCodingSessionNotFound)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, cs)
}

// DeleteCodingSession removes a session and its files. A bound sandbox is
// killed in the background so the response does not wait on the provider.
func (h *Handler) DeleteCodingSession(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}

	err := h.repo.DeleteCodingSession(r.Context(), cs.ID, cs.UserID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errCodingSessionNotFound)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	h.sandboxLocks.Delete(cs.ID)

	if cs.HasSandbox() && h.sandboxes.Enabled() && cs.SandboxProvider == h.sandboxes.ProviderName() {
		sandboxID := cs.SandboxID
		h.background(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, h.cleanupTimeout())
			defer cancel()
			if err := h.sandboxes.Destroy(ctx, sandboxID); err != nil {
				slog.Error("Failed to kill sandbox of deleted session", "sandbox_id", sandboxID, "coding_session_id", cs.ID, "error", err)
			}
		})
	}

	slog.Info("Coding session deleted", "coding_session_id", cs.ID, "user_id", cs.UserID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListCodingFiles returns the files of a session.
func (h *Handler) ListCodingFiles(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	files, err := h.repo.ListCodingFiles(r.Context(), cs.ID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if files == nil {
		files = []*domain.CodingFile{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

type fileInput struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// PutCodingFile writes a file, bumping its version.
func (h *Handler) PutCodingFile(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	var in fileInput
	if !decode(w, r, &in) {
		return
	}
	path, err := domain.CleanFilePath(in.Path)
	if err != nil {
		Error(w, r, http.StatusBadRequest, "invalid_input", err)
		return
	}
	if len(in.Content) > maxFileBytes {
		Error(w, r, http.StatusRequestEntityTooLarge, "request_too_large", errors.New("file is too large"))
		return
	}

	file, err := h.repo.UpsertCodingFile(r.Context(), &domain.CodingFile{
		SessionID: cs.ID,
		Path:      path,
		Content:   in.Content,
		Language:  in.Language,
	})
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, file)
}

// DeleteCodingFile removes the file named by the path query parameter.
func (h *Handler) DeleteCodingFile(w http.ResponseWriter, r *http.Request) {
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	path, err := domain.CleanFilePath(r.URL.Query().Get("path"))
	if err != nil {
		Error(w, r, http.StatusBadRequest, "invalid_input", err)
		return
	}

	err = h.repo.DeleteCodingFile(r.Context(), cs.ID, path)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errors.New("file not found"))
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted", "path": path})
}

// background runs fn on the handler's lifetime context.
func (h *Handler) background(fn func(ctx context.Context)) {
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		fn(h.bgCtx)
	}()
}

func (h *Handler) cleanupTimeout() time.Duration {
	if h.cfg.Timeout.SandboxCleanup > 0 {
		return h.cfg.Timeout.SandboxCleanup
	}
	return 30 * time.Second
}
