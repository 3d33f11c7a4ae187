package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heysme/heysme-server/internal/agent"
	"github.com/heysme/heysme-server/internal/deploy"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/identity"
)

type deployRequest struct {
	// PageID, when set, receives the deployment URL once it is ready.
	PageID string `json:"page_id"`
}

// Deploy publishes the session's files and watches the deployment in the
// background. Progress is pushed on the caller's agent stream.
func (h *Handler) Deploy(w http.ResponseWriter, r *http.Request) {
	if h.deployer == nil || !h.deployer.Enabled() {
		Error(w, r, http.StatusServiceUnavailable, "deploy_unavailable", deploy.ErrDisabled)
		return
	}
	cs := h.ownedCodingSession(w, r)
	if cs == nil {
		return
	}
	var req deployRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	if req.PageID != "" {
		page, err := h.repo.GetPage(r.Context(), req.PageID)
		if err != nil {
			Error(w, r, http.StatusInternalServerError, "internal_error", err)
			return
		}
		if page == nil || page.UserID != cs.UserID {
			Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
			return
		}
	}

	files, err := h.repo.ListCodingFiles(r.Context(), cs.ID)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	upload := make([]deploy.File, 0, len(files))
	for _, f := range files {
		upload = append(upload, deploy.File{Path: f.Path, Content: f.Content})
	}

	d, err := h.deployer.CreateDeployment(r.Context(), cs.Title, upload)
	if errors.Is(err, deploy.ErrNoFiles) {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("coding session has no files"))
		return
	}
	if err != nil {
		Error(w, r, http.StatusBadGateway, "deploy_failed", err)
		return
	}
	if err := h.repo.SetDeployment(r.Context(), cs.ID, d.ID, d.PublicURL(), d.State); err != nil {
		slog.Error("Failed to record deployment", "coding_session_id", cs.ID, "deployment_id", d.ID, "error", err)
	}

	target := deployTarget{
		userID:    cs.UserID,
		sessionID: identity.SessionIDFromContext(r.Context()),
		codingID:  cs.ID,
		pageID:    req.PageID,
	}
	h.background(func(ctx context.Context) { h.watchDeployment(ctx, target, d.ID) })

	slog.Info("Deployment started", "coding_session_id", cs.ID, "deployment_id", d.ID)
	JSON(w, http.StatusAccepted, map[string]string{
		"deployment_id": d.ID,
		"url":           d.PublicURL(),
		"state":         d.State,
	})
}

type deployTarget struct {
	userID    string
	sessionID string
	codingID  string
	pageID    string
}

func (h *Handler) watchDeployment(ctx context.Context, t deployTarget, deploymentID string) {
	wait, interval := 10*time.Minute, 3*time.Second
	if h.cfg.Timeout.DeployWait > 0 {
		wait = h.cfg.Timeout.DeployWait
	}
	if h.cfg.Timeout.DeployPoll > 0 {
		interval = h.cfg.Timeout.DeployPoll
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	final, err := h.deployer.WaitReady(ctx, deploymentID, interval, func(d *deploy.Deployment) {
		if err := h.repo.SetDeployment(ctx, t.codingID, d.ID, d.PublicURL(), d.State); err != nil {
			slog.Warn("Failed to record deployment state", "deployment_id", d.ID, "state", d.State, "error", err)
		}
		h.notify(t, &agent.DeployEvent{
			CodingSessionID: t.codingID,
			DeploymentID:    d.ID,
			State:           d.State,
			URL:             d.PublicURL(),
			Error:           d.ErrorMessage,
		})
	})
	if err != nil {
		slog.Error("Deployment watch failed", "deployment_id", deploymentID, "coding_session_id", t.codingID, "error", err)
		h.notify(t, &agent.DeployEvent{
			CodingSessionID: t.codingID,
			DeploymentID:    deploymentID,
			State:           deploy.StateError,
			Error:           "deployment status unavailable",
		})
		h.publish(context.WithoutCancel(ctx), events.DeploymentFailed, map[string]string{
			"user_id":           t.userID,
			"coding_session_id": t.codingID,
			"deployment_id":     deploymentID,
		})
		return
	}

	payload := map[string]string{
		"user_id":           t.userID,
		"coding_session_id": t.codingID,
		"deployment_id":     final.ID,
		"state":             final.State,
		"url":               final.PublicURL(),
	}
	if final.State != deploy.StateReady {
		h.publish(ctx, events.DeploymentFailed, payload)
		return
	}
	if t.pageID != "" {
		h.attachDeployment(ctx, t.pageID, final.PublicURL())
	}
	slog.Info("Deployment ready", "deployment_id", final.ID, "url", final.PublicURL())
	h.publish(ctx, events.DeploymentReady, payload)
}

// attachDeployment stores url on the page, re-reading it so concurrent edits
// are kept.
func (h *Handler) attachDeployment(ctx context.Context, pageID, url string) {
	page, err := h.repo.GetPage(ctx, pageID)
	if err != nil || page == nil {
		slog.Warn("Failed to load page for deployment", "page_id", pageID, "error", err)
		return
	}
	page.DeploymentURL = url
	if err := h.repo.UpdatePage(ctx, page); err != nil {
		slog.Warn("Failed to attach deployment to page", "page_id", pageID, "error", err)
	}
}

func (h *Handler) notify(t deployTarget, ev *agent.DeployEvent) {
	if h.notifier == nil {
		return
	}
	h.notifier.Broadcast(&agent.Event{
		Type:      agent.EventDeploy,
		Data:      ev,
		UserID:    t.userID,
		SessionID: t.sessionID,
	})
}
