// Package deploy publishes coding session files as Vercel deployments.
package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.vercel.com"

// Deployment states reported by Vercel.
const (
	StateQueued       = "QUEUED"
	StateInitializing = "INITIALIZING"
	StateBuilding     = "BUILDING"
	StateReady        = "READY"
	StateError        = "ERROR"
	StateCanceled     = "CANCELED"
)

var (
	// ErrDisabled is returned when no Vercel token is configured.
	ErrDisabled = errors.New("deployments not configured")
	// ErrNoFiles is returned when there is nothing to deploy.
	ErrNoFiles = errors.New("no files to deploy")
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")

	nameInvalid = regexp.MustCompile(`[^a-z0-9]+`)
)

// Terminal reports whether no further state changes will happen.
func Terminal(state string) bool {
	switch state {
	case StateReady, StateError, StateCanceled:
		return true
	}
	return false
}

// File is one project file. Vercel receives it inline as utf-8.
type File struct {
	Path    string
	Content string
}

// Deployment is the subset of the Vercel deployment object the service uses.
type Deployment struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	State        string `json:"readyState"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// PublicURL returns the https URL of the deployment.
func (d *Deployment) PublicURL() string {
	if d.URL == "" {
		return ""
	}
	if strings.HasPrefix(d.URL, "http://") || strings.HasPrefix(d.URL, "https://") {
		return d.URL
	}
	return "https://" + d.URL
}

// Client calls the Vercel REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	teamID     string
}

// New creates a client. An empty token yields a disabled client.
func New(token, teamID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		teamID:     teamID,
	}
}

// WithBaseURL points the client at another API root.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Enabled reports whether a token is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.token != ""
}

type inlineFile struct {
	File     string `json:"file"`
	Data     string `json:"data"`
	Encoding string `json:"encoding"`
}

type createRequest struct {
	Name            string            `json:"name"`
	Files           []inlineFile      `json:"files"`
	Target          string            `json:"target,omitempty"`
	ProjectSettings map[string]any    `json:"projectSettings,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
}

// CreateDeployment uploads files inline and starts a production deployment.
// name is reduced to a valid Vercel project name.
func (c *Client) CreateDeployment(ctx context.Context, name string, files []File) (*Deployment, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	body := createRequest{
		Name:   ProjectName(name),
		Target: "production",
		Files:  make([]inlineFile, 0, len(files)),
		Meta:   map[string]string{"source": "heysme"},
	}
	if !hasPackageJSON(files) {
		// Static output: skip framework detection and the build step.
		body.ProjectSettings = map[string]any{"framework": nil}
	}
	for _, f := range files {
		body.Files = append(body.Files, inlineFile{File: f.Path, Data: f.Content, Encoding: "utf-8"})
	}

	var out Deployment
	if err := c.do(ctx, http.MethodPost, "/v13/deployments", body, &out); err != nil {
		return nil, err
	}
	slog.Info("Deployment created", "deployment_id", out.ID, "state", out.State)
	return &out, nil
}

// GetDeployment fetches the current state of a deployment.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	var out Deployment
	if err := c.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitReady polls until the deployment reaches a terminal state. onChange is
// called whenever the state differs from the previous poll.
func (c *Client) WaitReady(ctx context.Context, id string, interval time.Duration, onChange func(*Deployment)) (*Deployment, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		d, err := c.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.State != last {
			last = d.State
			if onChange != nil {
				onChange(d)
			}
		}
		if Terminal(d.State) {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	if c.teamID != "" {
		path += "?teamId=" + url.QueryEscape(c.teamID)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vercel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode vercel response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		return fmt.Errorf("vercel: status %d: %s: %s", resp.StatusCode, payload.Error.Code, payload.Error.Message)
	}
	return fmt.Errorf("vercel: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
}

// ProjectName lower-cases name and keeps only characters Vercel accepts.
func ProjectName(name string) string {
	n := nameInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	n = strings.Trim(n, "-")
	if len(n) > 52 {
		n = strings.TrimRight(n[:52], "-")
	}
	if n == "" {
		return "heysme-site"
	}
	return n
}

func hasPackageJSON(files []File) bool {
	for _, f := range files {
		if f.Path == "package.json" {
			return true
		}
	}
	return false
}
