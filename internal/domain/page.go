package domain

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"
)

// Page categories surfaced in the plaza filters.
const (
	CategoryPortfolio = "portfolio"
	CategoryResume    = "resume"
	CategoryShowcase  = "showcase"
	CategoryLanding   = "landing"
	CategoryOther     = "other"
)

const maxTags = 10

var (
	// ErrInvalidSlug is returned when a page slug does not match slugPattern.
	ErrInvalidSlug = errors.New("invalid slug")
	// ErrInvalidCategory is returned for categories outside the known set.
	ErrInvalidCategory = errors.New("invalid category")

	slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,62}[a-z0-9])?$`)
)

// UserPage is a user-generated page, optionally listed in the plaza.
type UserPage struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Slug          string          `json:"slug"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Category      string          `json:"category"`
	Tags          []string        `json:"tags"`
	Content       json.RawMessage `json:"content,omitempty"`
	IsPublic      bool            `json:"is_public"`
	Featured      bool            `json:"featured"`
	ViewCount     int64           `json:"view_count"`
	LikeCount     int64           `json:"like_count"`
	DeploymentURL string          `json:"deployment_url,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// ValidateSlug checks that slug is lower-case, URL safe and at most 64 chars.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return ErrInvalidSlug
	}
	return nil
}

// Slugify derives a slug candidate from a free-form title.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 64 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// ValidateCategory accepts the known categories; empty maps to other.
func ValidateCategory(category string) (string, error) {
	switch category {
	case "":
		return CategoryOther, nil
	case CategoryPortfolio, CategoryResume, CategoryShowcase, CategoryLanding, CategoryOther:
		return category, nil
	default:
		return "", ErrInvalidCategory
	}
}

// NormalizeTags lower-cases, trims and dedupes tags, keeping at most 10.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
