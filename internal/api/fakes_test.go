package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/heysme/heysme-server/internal/agent"
	"github.com/heysme/heysme-server/internal/config"
	"github.com/heysme/heysme-server/internal/deploy"
	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/identity"
	"github.com/heysme/heysme-server/internal/sandbox"
	"github.com/heysme/heysme-server/internal/store"
)

const adminID = "user_admin"

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*agent.Event
}

func (n *recordingNotifier) Broadcast(ev *agent.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []*agent.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*agent.Event(nil), n.events...)
}

type fakeDeployer struct {
	mu     sync.Mutex
	states []string
	files  []deploy.File
	name   string
}

func (d *fakeDeployer) Enabled() bool { return true }

func (d *fakeDeployer) CreateDeployment(_ context.Context, name string, files []deploy.File) (*deploy.Deployment, error) {
	if len(files) == 0 {
		return nil, deploy.ErrNoFiles
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.name, d.files = name, files
	return &deploy.Deployment{ID: "dpl_1", URL: "site.vercel.app", State: deploy.StateQueued}, nil
}

func (d *fakeDeployer) WaitReady(_ context.Context, id string, _ time.Duration, onChange func(*deploy.Deployment)) (*deploy.Deployment, error) {
	var last *deploy.Deployment
	for _, s := range d.states {
		last = &deploy.Deployment{ID: id, URL: "site.vercel.app", State: s}
		onChange(last)
	}
	return last, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	next    int
	killed  []string
	written map[string]int
}

func (p *fakeProvider) Name() string { return sandbox.ProviderE2B }

func (p *fakeProvider) Create(context.Context, sandbox.Spec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("sbx-%d", p.next), nil
}

func (p *fakeProvider) WriteFiles(_ context.Context, id string, files []sandbox.File) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.written == nil {
		p.written = map[string]int{}
	}
	p.written[id] = len(files)
	return nil
}

func (p *fakeProvider) Exec(_ context.Context, _ string, cmd sandbox.Command) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{Stdout: "ran " + cmd.Cmd}, nil
}

func (p *fakeProvider) Kill(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, id)
	return nil
}

func (p *fakeProvider) PreviewURL(id string, port int) string {
	return fmt.Sprintf("https://%d-%s.e2b.app", port, id)
}

func (p *fakeProvider) killedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.killed...)
}

type testEnv struct {
	repo      *store.SQLStore
	handler   *Handler
	router    http.Handler
	events    *recordingPublisher
	notifier  *recordingNotifier
	deployer  *fakeDeployer
	sandboxes *fakeProvider
}

func testStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	repo, err := store.Open(ctx, store.Options{
		Driver:     store.DialectSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx))
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestEnv(t *testing.T, withSandbox bool) *testEnv {
	t.Helper()
	repo := testStore(t)
	env := &testEnv{
		repo:      repo,
		events:    &recordingPublisher{},
		notifier:  &recordingNotifier{},
		deployer:  &fakeDeployer{states: []string{deploy.StateQueued, deploy.StateBuilding, deploy.StateReady}},
		sandboxes: &fakeProvider{},
	}

	cfg := &config.Config{AppEnv: "production", FrontendURL: "https://heysme.example"}
	cfg.LLM.Provider = config.ProviderAnthropic
	cfg.Invite.Required = true

	var mgr *sandbox.Manager
	if withSandbox {
		mgr = sandbox.NewManager(env.sandboxes, repo, time.Minute)
	}
	env.handler = NewHandler(Deps{
		Repo: repo,
		Auth: identity.NewAuthenticator(repo, identity.Options{
			InviteRequired: true,
			IsAdmin:        func(id string) bool { return id == adminID },
		}),
		Sandboxes: mgr,
		Deployer:  env.deployer,
		Events:    env.events,
		Notifier:  env.notifier,
		Config:    cfg,
	})
	t.Cleanup(env.handler.Close)

	r := chi.NewRouter()
	env.handler.RegisterRoutes(r)
	env.router = asCaller(repo, r)
	return env
}

// asCaller authenticates requests carrying X-Test-User as that user, the way
// the identity middleware does after verifying a token.
func asCaller(repo store.Repository, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Test-User"); id != "" {
			user, err := repo.GetUser(r.Context(), id)
			if err != nil || user == nil {
				http.Error(w, "unknown test user", http.StatusInternalServerError)
				return
			}
			r = r.WithContext(identity.WithUser(r.Context(), user, r.Header.Get(identity.SessionHeaderName)))
		}
		next.ServeHTTP(w, r)
	})
}

func (e *testEnv) seedUser(t *testing.T, id string, invited bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.repo.UpsertUser(ctx, &domain.User{ID: id, Username: id}))
	if invited {
		require.NoError(t, e.repo.SetUserInviteCode(ctx, id, "SEED-CODE"))
	}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		require.NoError(t, json.NewEncoder(buf).Encode(body))
		reader = buf
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}
