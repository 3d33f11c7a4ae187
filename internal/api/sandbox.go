package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/heysme/heysme-server/internal/sandbox"
)

const maxCommandLength = 4096

type sandboxRequest struct {
	Command string `json:"command"`
	Port    int    `json:"port"`
}

// RunSandbox ensures the session's sandbox, syncs its files and optionally
// runs a command.
func (h *Handler) RunSandbox(w http.ResponseWriter, r *http.Request) {
	if !h.sandboxes.Enabled() {
		Error(w, r, http.StatusServiceUnavailable, "sandbox_unavailable", sandbox.ErrDisabled)
		return
	}
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	req := sandboxRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if len(req.Command) > maxCommandLength {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("command is too long"))
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("port out of range"))
		return
	}
	if req.Port == 0 {
		req.Port = 3000
	}

	// Prevent concurrent runs creating two sandboxes for one session. The
	// mutex lives as long as the session so every run shares it.
	lock, _ := h.sandboxLocks.LoadOrStore(cs.ID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Sandbox run already in progress", "coding_session_id", cs.ID)
		Error(w, r, http.StatusConflict, "sandbox_busy", errors.New("a sandbox operation is already in progress"))
		return
	}
	defer mutex.Unlock()

	res, err := h.sandboxes.Run(r.Context(), cs, req.Command, req.Port)
	if err != nil {
		Error(w, r, http.StatusBadGateway, "sandbox_failed", err)
		return
	}
	slog.Info("Sandbox run completed",
		"coding_session_id", cs.ID,
		"sandbox_id", res.SandboxID,
		"created", res.Created,
		"files", res.Files)
	JSON(w, http.StatusOK, res)
}

// KillSandbox destroys the session's sandbox.
func (h *Handler) KillSandbox(w http.ResponseWriter, r *http.Request) {
	if !h.sandboxes.Enabled() {
		Error(w, r, http.StatusServiceUnavailable, "sandbox_unavailable", sandbox.ErrDisabled)
		return
	}
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	if err := h.sandboxes.Kill(r.Context(), cs); err != nil {
		Error(w, r, http.StatusBadGateway, "sandbox_failed", err)
		return
	}
	slog.Info("Sandbox destroyed", "coding_session_id", cs.ID)
	JSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}
