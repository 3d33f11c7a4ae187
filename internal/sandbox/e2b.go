package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	e2bAPIBase      = "https://api.e2b.dev"
	e2bDomain       = "e2b.app"
	envdPort        = 49983
	e2bProjectDir   = "/home/user/project"
	e2bUser         = "user"
	e2bUploadFanout = 8
)

// E2B is a Provider backed by E2B cloud sandboxes. The control plane is a
// REST API; files and processes go through the envd daemon inside each
// sandbox.
type E2B struct {
	apiKey     string
	template   string
	apiBase    string
	domain     string
	envdBase   func(sandboxID string) string
	httpClient *http.Client
	tokens     tokenCache
}

// E2BOption configures the E2B provider.
type E2BOption func(*E2B)

// WithE2BAPIBase overrides the control plane URL.
func WithE2BAPIBase(base string) E2BOption {
	return func(e *E2B) { e.apiBase = strings.TrimRight(base, "/") }
}

// WithEnvdBase overrides how the envd URL of a sandbox is derived.
func WithEnvdBase(fn func(sandboxID string) string) E2BOption {
	return func(e *E2B) { e.envdBase = fn }
}

// NewE2B creates the provider.
func NewE2B(apiKey, template string, opts ...E2BOption) *E2B {
	if template == "" {
		template = "base"
	}
	e := &E2B{
		apiKey:     apiKey,
		template:   template,
		apiBase:    e2bAPIBase,
		domain:     e2bDomain,
		httpClient: &http.Client{},
		tokens:     tokenCache{tokens: map[string]string{}},
	}
	e.envdBase = func(id string) string {
		return fmt.Sprintf("https://%d-%s.%s", envdPort, id, e.domain)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements Provider.
func (e *E2B) Name() string { return ProviderE2B }

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type createSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	ClientID        string `json:"clientID"`
	EnvdAccessToken string `json:"envdAccessToken"`
}

// Create implements Provider.
func (e *E2B) Create(ctx context.Context, spec Spec) (string, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	body, err := json.Marshal(createSandboxRequest{
		TemplateID: e.template,
		Timeout:    int(timeout.Seconds()),
		Metadata:   map[string]string{"coding_session_id": spec.SessionID},
		EnvVars:    spec.Env,
	})
	if err != nil {
		return "", fmt.Errorf("marshal create request: %w", err)
	}

	var out createSandboxResponse
	if err := e.control(ctx, http.MethodPost, "/sandboxes", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.SandboxID == "" {
		return "", errors.New("e2b returned no sandbox id")
	}
	e.tokens.set(out.SandboxID, out.EnvdAccessToken)
	return out.SandboxID, nil
}

// Kill implements Provider.
func (e *E2B) Kill(ctx context.Context, id string) error {
	err := e.control(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil)
	e.tokens.remove(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PreviewURL implements Provider.
func (e *E2B) PreviewURL(id string, port int) string {
	return fmt.Sprintf("https://%d-%s.%s", port, id, e.domain)
}

func (e *E2B) control(ctx context.Context, method, p string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, e.apiBase+p, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", e.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("e2b %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("e2b %s %s: status %d: %s", method, p, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode e2b response: %w", err)
	}
	return nil
}

func (e *E2B) envdRequest(ctx context.Context, id, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.envdBase(id)+p, body)
	if err != nil {
		return nil, fmt.Errorf("create envd request: %w", err)
	}
	if token := e.tokens.get(id); token != "" {
		req.Header.Set("X-Access-Token", token)
	}
	return req, nil
}

// WriteFiles implements Provider. Uploads run concurrently.
func (e *E2B) WriteFiles(ctx context.Context, id string, files []File) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e2bUploadFanout)
	for _, f := range files {
		g.Go(func() error {
			return e.writeFile(gctx, id, f)
		})
	}
	return g.Wait()
}

func (e *E2B) writeFile(ctx context.Context, id string, f File) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", path.Base(f.Path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(f.Content); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	q := url.Values{}
	q.Set("path", path.Join(e2bProjectDir, f.Path))
	q.Set("username", e2bUser)
	req, err := e.envdRequest(ctx, id, http.MethodPost, "/files?"+q.Encode(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upload %s: status %d: %s", f.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

type processConfig struct {
	Cmd  string            `json:"cmd"`
	Args []string          `json:"args"`
	Envs map[string]string `json:"envs,omitempty"`
	Cwd  string            `json:"cwd,omitempty"`
}

type startRequest struct {
	Process processConfig `json:"process"`
}

type processEvent struct {
	Event struct {
		Start *struct {
			Pid int `json:"pid"`
		} `json:"start,omitempty"`
		Data *struct {
			Stdout string `json:"stdout,omitempty"`
			Stderr string `json:"stderr,omitempty"`
		} `json:"data,omitempty"`
		End *struct {
			ExitCode int    `json:"exitCode"`
			Exited   bool   `json:"exited"`
			Status   string `json:"status"`
			Error    string `json:"error,omitempty"`
		} `json:"end,omitempty"`
	} `json:"event"`
}

type connectEndStream struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Exec implements Provider using envd's process service over the Connect
// server-streaming protocol.
func (e *E2B) Exec(ctx context.Context, id string, cmd Command) (*ExecResult, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	msg, err := json.Marshal(startRequest{Process: processConfig{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", cmd.Cmd},
		Envs: cmd.Env,
		Cwd:  e2bProjectDir,
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal start request: %w", err)
	}
	var body bytes.Buffer
	if err := writeEnvelope(&body, 0, msg); err != nil {
		return nil, err
	}

	req, err := e.envdRequest(ctx, id, http.MethodPost, "/process.Process/Start", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/connect+json")
	req.Header.Set("Connect-Protocol-Version", "1")
	req.SetBasicAuth(e2bUser, "")

	started := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadGateway {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("start process: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var stdout, stderr capped
	result := &ExecResult{ExitCode: -1}
	for {
		flags, payload, err := readEnvelope(resp.Body)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("process stream ended without an end event")
			}
			return nil, fmt.Errorf("read process stream: %w", err)
		}
		if flags&flagEndStream != 0 {
			var end connectEndStream
			if err := json.Unmarshal(payload, &end); err == nil && end.Error != nil {
				return nil, fmt.Errorf("process stream: %s: %s", end.Error.Code, end.Error.Message)
			}
			break
		}

		var ev processEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Debug("Skipping undecodable process event", "sandbox_id", id, "error", err)
			continue
		}
		switch {
		case ev.Event.Data != nil:
			if err := appendBase64(&stdout, ev.Event.Data.Stdout); err != nil {
				return nil, err
			}
			if err := appendBase64(&stderr, ev.Event.Data.Stderr); err != nil {
				return nil, err
			}
		case ev.Event.End != nil:
			result.ExitCode = ev.Event.End.ExitCode
			if ev.Event.End.Error != "" {
				_, _ = stderr.Write([]byte(ev.Event.End.Error))
			}
		}
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Duration = time.Since(started).Milliseconds()
	if result.ExitCode == -1 {
		return nil, errors.New("process stream ended without an end event")
	}
	return result, nil
}

func appendBase64(dst *capped, s string) error {
	if s == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode process output: %w", err)
	}
	_, _ = dst.Write(data)
	return nil
}

// tokenCache remembers envd access tokens of sandboxes created by this
// process. Sandboxes created without a secure token need none.
type tokenCache struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func (c *tokenCache) get(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[id]
}

func (c *tokenCache) set(id, token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.tokens[id] = token
	c.mu.Unlock()
}

func (c *tokenCache) remove(id string) {
	c.mu.Lock()
	delete(c.tokens, id)
	c.mu.Unlock()
}
