package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/store"
)

var errPageNotFound = errors.New("page not found")

// ListPlaza searches public pages.
func (h *Handler) ListPlaza(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.PlazaQuery{
		Search:   strings.TrimSpace(q.Get("q")),
		Category: q.Get("category"),
		Tag:      strings.ToLower(strings.TrimSpace(q.Get("tag"))),
		Sort:     q.Get("sort"),
	}
	query.Page, _ = strconv.Atoi(q.Get("page"))
	query.Limit, _ = strconv.Atoi(q.Get("limit"))
	query.Normalize()

	items, total, err := h.repo.SearchPlaza(r.Context(), query)
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if items == nil {
		items = []*domain.UserPage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"items":    items,
		"total":    total,
		"page":     query.Page,
		"limit":    query.Limit,
		"has_more": query.Offset()+len(items) < total,
	})
}

func (h *Handler) publicPage(w http.ResponseWriter, r *http.Request) *domain.UserPage {
	page, err := h.repo.GetPageBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return nil
	}
	if page == nil || !page.IsPublic {
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
		return nil
	}
	return page
}

// GetPlazaPage returns a public page by slug and counts the view.
func (h *Handler) GetPlazaPage(w http.ResponseWriter, r *http.Request) {
	page := h.publicPage(w, r)
	if page == nil {
		return
	}
	if err := h.repo.IncrementPageViews(r.Context(), page.ID); err != nil {
		slog.Warn("Failed to count page view", "page_id", page.ID, "error", err)
	} else {
		page.ViewCount++
	}
	JSON(w, http.StatusOK, page)
}

// LikePlazaPage increments a public page's like counter.
func (h *Handler) LikePlazaPage(w http.ResponseWriter, r *http.Request) {
	page := h.publicPage(w, r)
	if page == nil {
		return
	}
	likes, err := h.repo.IncrementPageLikes(r.Context(), page.ID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"like_count": likes})
}

// ListPages returns the caller's pages.
func (h *Handler) ListPages(w http.ResponseWriter, r *http.Request) {
	pages, err := h.repo.ListPagesByUser(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if pages == nil {
		pages = []*domain.UserPage{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"pages": pages})
}

// pageInput carries page fields. Nil pointers leave fields unchanged on update.
type pageInput struct {
	Slug          *string         `json:"slug"`
	Title         *string         `json:"title"`
	Description   *string         `json:"description"`
	Category      *string         `json:"category"`
	Tags          []string        `json:"tags"`
	Content       json.RawMessage `json:"content"`
	IsPublic      bool            `json:"is_public"`
	DeploymentURL *string         `json:"deployment_url"`
}

// apply copies the set fields onto page and validates the result.
func (in *pageInput) apply(page *domain.UserPage) (string, error) {
	if in.Title != nil {
		page.Title = strings.TrimSpace(*in.Title)
	}
	if in.Description != nil {
		page.Description = strings.TrimSpace(*in.Description)
	}
	if in.Slug != nil {
		page.Slug = strings.ToLower(strings.TrimSpace(*in.Slug))
	}
	if page.Slug == "" {
		page.Slug = domain.Slugify(page.Title)
	}
	if in.Category != nil {
		page.Category = *in.Category
	}
	if in.Tags != nil {
		page.Tags = domain.NormalizeTags(in.Tags)
	}
	if in.Content != nil {
		if !json.Valid(in.Content) {
			return "content", errors.New("content must be valid JSON")
		}
		page.Content = in.Content
	}
	if in.DeploymentURL != nil {
		page.DeploymentURL = strings.TrimSpace(*in.DeploymentURL)
	}

	if page.Title == "" {
		return "title", errors.New("title is required")
	}
	if err := domain.ValidateSlug(page.Slug); err != nil {
		return "slug", errors.New("slug must be 1-64 lower-case letters, digits or dashes")
	}
	category, err := domain.ValidateCategory(page.Category)
	if err != nil {
		return "category", err
	}
	page.Category = category
	if page.Tags == nil {
		page.Tags = []string{}
	}
	return "", nil
}

// CreatePage stores a new page owned by the caller.
func (h *Handler) CreatePage(w http.ResponseWriter, r *http.Request) {
	var in pageInput
	if !decode(w, r, &in) {
		return
	}
	page := &domain.UserPage{UserID: identity.UserIDFromContext(r.Context()), IsPublic: in.IsPublic}
	if _, err := in.apply(page); err != nil {
		Error(w, r, http.StatusBadRequest, "invalid_input", err)
		return
	}

	err := h.repo.CreatePage(r.Context(), page)
	if errors.Is(err, store.ErrConflict) {
		Error(w, r, http.StatusConflict, "slug_taken", errors.New("slug is already taken"))
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}

	slog.Info("Page created", "page_id", page.ID, "user_id", page.UserID)
	if page.IsPublic {
		h.publish(r.Context(), events.PagePublished, pageEvent(page))
	}
	JSON(w, http.StatusCreated, page)
}

// ownedPage loads the page in the URL when the caller owns it. Foreign pages
// are reported as missing.
func (h *Handler) ownedPage(w http.ResponseWriter, r *http.Request) *domain.UserPage {
	page, err := h.repo.GetPage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return nil
	}
	if page == nil || page.UserID != identity.UserIDFromContext(r.Context()) {
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
		return nil
	}
	return page
}

// GetPage returns one of the caller's pages.
func (h *Handler) GetPage(w http.ResponseWriter, r *http.Request) {
	if page := h.ownedPage(w, r); page != nil {
		JSON(w, http.StatusOK, page)
	}
}

// UpdatePage edits one of the caller's pages.
func (h *Handler) UpdatePage(w http.ResponseWriter, r *http.Request) {
	page := h.ownedPage(w, r)
	if page == nil {
		return
	}
	var in pageInput
	if !decode(w, r, &in) {
		return
	}
	if _, err := in.apply(page); err != nil {
		Error(w, r, http.StatusBadRequest, "invalid_input", err)
		return
	}

	err := h.repo.UpdatePage(r.Context(), page)
	switch {
	case errors.Is(err, store.ErrConflict):
		Error(w, r, http.StatusConflict, "slug_taken", errors.New("slug is already taken"))
	case errors.Is(err, store.ErrNotFound):
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
	case err != nil:
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
	default:
		JSON(w, http.StatusOK, page)
	}
}

// DeletePage removes one of the caller's pages.
func (h *Handler) DeletePage(w http.ResponseWriter, r *http.Request) {
	err := h.repo.DeletePage(r.Context(), chi.URLParam(r, "id"), identity.UserIDFromContext(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// PublishPage lists a page in the plaza.
func (h *Handler) PublishPage(w http.ResponseWriter, r *http.Request) {
	h.setPublished(w, r, true)
}

// UnpublishPage removes a page from the plaza.
func (h *Handler) UnpublishPage(w http.ResponseWriter, r *http.Request) {
	h.setPublished(w, r, false)
}

func (h *Handler) setPublished(w http.ResponseWriter, r *http.Request, public bool) {
	page := h.ownedPage(w, r)
	if page == nil {
		return
	}
	now := h.now().UTC()
	err := h.repo.SetPagePublished(r.Context(), page.ID, page.UserID, public, now)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, r, http.StatusNotFound, "not_found", errPageNotFound)
		return
	}
	if err != nil {
		Error(w, r, http.StatusInternalServerError, "internal_error", err)
		return
	}

	page.IsPublic = public
	subject := events.PageUnpublished
	if public {
		subject = events.PagePublished
		if page.PublishedAt == nil {
			page.PublishedAt = &now
		}
	}
	slog.Info("Page visibility changed", "page_id", page.ID, "user_id", page.UserID, "public", public)
	h.publish(r.Context(), subject, pageEvent(page))
	JSON(w, http.StatusOK, page)
}

func pageEvent(page *domain.UserPage) map[string]interface{} {
	return map[string]interface{}{
		"page_id":  page.ID,
		"user_id":  page.UserID,
		"slug":     page.Slug,
		"title":    page.Title,
		"category": page.Category,
	}
}
