package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/store"
)

const (
	maxInviteBatch     = 100
	defaultInviteLimit = 100
)

type inviteRequest struct {
	Code string `json:"code"`
}

// inviteReason maps a redemption failure to its API error code.
func inviteReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInviteNotFound):
		return "invite_invalid"
	case errors.Is(err, domain.ErrInviteExpired):
		return "invite_expired"
	case errors.Is(err, domain.ErrInviteExhausted):
		return "invite_exhausted"
	case errors.Is(err, domain.ErrInviteDisabled):
		return "invite_disabled"
	case errors.Is(err, domain.ErrInviteAlreadyRedeemed):
		return "invite_already_redeemed"
	}
	return ""
}

// ValidateInvite reports whether a code could be redeemed now without
// consuming it.
func (h *Handler) ValidateInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if !decode(w, r, &req) {
		return
	}
	code := domain.NormalizeInviteCode(req.Code)
	if code == "" {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("code is required"))
		return
	}

	invite, err := h.repo.GetInviteCode(r.Context(), code)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if invite == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": inviteReason(domain.ErrInviteNotFound)})
		return
	}
	if err := invite.CheckRedeemable(h.now()); err != nil {
		JSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": inviteReason(err)})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"valid": true, "remaining": invite.Remaining()})
}

// RedeemInvite binds an invite code to the caller.
func (h *Handler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	var req inviteRequest
	if !decode(w, r, &req) {
		return
	}
	code := domain.NormalizeInviteCode(req.Code)
	if code == "" {
		Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("code is required"))
		return
	}
	if user.HasRedeemedInvite() {
		Error(w, r, http.StatusConflict, "invite_already_redeemed", domain.ErrInviteAlreadyRedeemed)
		return
	}

	invite, err := h.repo.RedeemInviteCode(r.Context(), code, user.ID, h.now())
	if err != nil {
		reason := inviteReason(err)
		switch {
		case reason == "invite_already_redeemed":
			Error(w, r, http.StatusConflict, reason, err)
		case reason != "":
			Error(w, r, http.StatusBadRequest, reason, err)
		default:
			Error(w, r, http.StatusInternalServerError, "internal_error", err)
		}
		return
	}

	slog.Info("Invite redeemed", "user_id", user.ID, "code", invite.Code, "remaining", invite.Remaining())
	h.publish(r.Context(), events.InviteRedeemed, map[string]interface{}{
		"user_id":   user.ID,
		"code":      invite.Code,
		"remaining": invite.Remaining(),
	})

	redeemed := *user
	redeemed.InviteCode = invite.Code
	JSON(w, http.StatusOK, map[string]interface{}{"redeemed": true, "user": &redeemed})
}

type createInvitesRequest struct {
	Count     int    `json:"count"`
	MaxUses   int    `json:"max_uses"`
	ExpiresIn string `json:"expires_in"`
}

// CreateInvites generates a batch of invite codes. Admin only.
func (h *Handler) CreateInvites(w http.ResponseWriter, r *http.Request) {
	var req createInvitesRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.MaxUses == 0 {
		req.MaxUses = 1
	}
	if req.Count < 0 || req.Count > maxInviteBatch || req.MaxUses < 0 {
		Error(w, r, http.StatusBadRequest, "invalid_input",
			fmt.Errorf("count must be 1-%d and max_uses positive", maxInviteBatch))
		return
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("expires_in must be a positive duration such as 72h"))
			return
		}
		at := h.now().Add(d).UTC()
		expiresAt = &at
	}

	codes, err := store.CreateInviteCodes(r.Context(), h.repo, req.Count, req.MaxUses, expiresAt, identity.UserIDFromContext(r.Context()))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	slog.Info("Invite codes created", "count", len(codes), "user_id", identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusCreated, map[string]interface{}{"codes": codes})
}

// ListInvites returns the newest invite codes. Admin only.
func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	limit := defaultInviteLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("limit must be 1-500"))
			return
		}
		limit = n
	}

	codes, err := h.repo.ListInviteCodes(r.Context(), limit)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}
