package domain

import (
	"errors"
	"path"
	"strings"
	"time"
)

// Coding session statuses.
const (
	CodingStatusActive   = "active"
	CodingStatusArchived = "archived"
)

// ErrInvalidPath is returned for file paths that are empty, absolute or escape the project root.
var ErrInvalidPath = errors.New("invalid file path")

// CodingSession groups the generated files of one project and its runtime bindings.
type CodingSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Title           string     `json:"title"`
	Status          string     `json:"status"`
	SandboxID       string     `json:"sandbox_id,omitempty"`
	SandboxProvider string     `json:"sandbox_provider,omitempty"`
	SandboxSeenAt   *time.Time `json:"sandbox_seen_at,omitempty"`
	DeploymentID    string     `json:"deployment_id,omitempty"`
	DeploymentURL   string     `json:"deployment_url,omitempty"`
	DeploymentState string     `json:"deployment_state,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasSandbox returns true if a sandbox is currently bound to the session.
func (s *CodingSession) HasSandbox() bool {
	return s.SandboxID != ""
}

// CodingFile is one source file of a coding session. Version increments on every write.
type CodingFile struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CleanFilePath normalizes a project-relative path and rejects escapes.
func CleanFilePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

var languagesByExt = map[string]string{
	".ts":   "typescript",
	".tsx":  "tsx",
	".js":   "javascript",
	".jsx":  "jsx",
	".mjs":  "javascript",
	".json": "json",
	".css":  "css",
	".scss": "scss",
	".html": "html",
	".md":   "markdown",
	".py":   "python",
	".go":   "go",
	".yml":  "yaml",
	".yaml": "yaml",
	".svg":  "svg",
}

// LanguageFromPath guesses an editor language id from the file extension.
func LanguageFromPath(p string) string {
	if lang, ok := languagesByExt[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return "plaintext"
}
