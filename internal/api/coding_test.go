package api

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysme/heysme-server/internal/agent"
	"github.com/heysme/heysme-server/internal/deploy"
	"github.com/heysme/heysme-server/internal/domain"
	"github.com/heysme/heysme-server/internal/events"
	"github.com/heysme/heysme-server/internal/sandbox"
)

type sessionDetail struct {
	Session domain.CodingSession `json:"session"`
	Files   []domain.CodingFile  `json:"files"`
}

func createSession(t *testing.T, env *testEnv, userID, title string) domain.CodingSession {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/api/coding/sessions", userID, map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decodeBody[domain.CodingSession](t, rr)
}

func putFile(t *testing.T, env *testEnv, userID, sessionID, path, content string) domain.CodingFile {
	t.Helper()
	rr := env.do(t, http.MethodPut, "/api/coding/sessions/"+sessionID+"/files", userID,
		map[string]string{"path": path, "content": content})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decodeBody[domain.CodingFile](t, rr)
}

func TestCodingSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)

	rr := env.do(t, http.MethodPost, "/api/coding/sessions", "user_a", map[string]string{})
	require.Equal(t, http.StatusCreated, rr.Code)
	untitled := decodeBody[domain.CodingSession](t, rr)
	assert.Equal(t, defaultCodeName, untitled.Title)
	assert.Equal(t, domain.CodingStatusActive, untitled.Status)

	cs := createSession(t, env, "user_a", "Landing page")
	rr = env.do(t, http.MethodGet, "/api/coding/sessions", "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[map[string][]domain.CodingSession](t, rr)["sessions"], 2)

	first := putFile(t, env, "user_a", cs.ID, "./src/App.tsx", "export {}")
	assert.Equal(t, "src/App.tsx", first.Path)
	assert.Equal(t, "tsx", first.Language)
	second := putFile(t, env, "user_a", cs.ID, "src/App.tsx", "export default 1")
	assert.Equal(t, first.Version+1, second.Version)

	rr = env.do(t, http.MethodGet, "/api/coding/sessions/"+cs.ID, "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decodeBody[sessionDetail](t, rr)
	require.Len(t, detail.Files, 1)
	assert.Equal(t, "export default 1", detail.Files[0].Content)

	rr = env.do(t, http.MethodPatch, "/api/coding/sessions/"+cs.ID, "user_a", map[string]string{
		"title": "Renamed", "status": domain.CodingStatusArchived,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	renamed := decodeBody[domain.CodingSession](t, rr)
	assert.Equal(t, "Renamed", renamed.Title)
	assert.Equal(t, domain.CodingStatusArchived, renamed.Status)

	rr = env.do(t, http.MethodDelete, "/api/coding/sessions/"+cs.ID+"/files?path=src/App.tsx", "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodDelete, "/api/coding/sessions/"+cs.ID+"/files?path=src/App.tsx", "user_a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/coding/sessions/"+cs.ID, "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodGet, "/api/coding/sessions/"+cs.ID, "user_a", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCodingInputValidation(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Site")

	tests := []struct {
		name   string
		method string
		path   string
		body   map[string]string
		want   int
	}{
		{"long title", http.MethodPost, "/api/coding/sessions", map[string]string{"title": strings.Repeat("t", maxTitleLength+1)}, http.StatusBadRequest},
		{"bad status", http.MethodPatch, "/api/coding/sessions/" + cs.ID, map[string]string{"status": "deleted"}, http.StatusBadRequest},
		{"empty title", http.MethodPatch, "/api/coding/sessions/" + cs.ID, map[string]string{"title": " "}, http.StatusBadRequest},
		{"escaping path", http.MethodPut, "/api/coding/sessions/" + cs.ID + "/files", map[string]string{"path": "../etc/passwd"}, http.StatusBadRequest},
		{"absolute path", http.MethodPut, "/api/coding/sessions/" + cs.ID + "/files", map[string]string{"path": "/etc/passwd"}, http.StatusBadRequest},
		{"huge file", http.MethodPut, "/api/coding/sessions/" + cs.ID + "/files", map[string]string{"path": "a.txt", "content": strings.Repeat("x", maxFileBytes+1)}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.path, "user_a", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestForeignCodingSessionsAreHidden(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedUser(t, "user_a", true)
	env.seedUser(t, "user_b", true)
	cs := createSession(t, env, "user_a", "Private")

	for _, req := range []struct{ method, path string }{
		{http.MethodGet, "/api/coding/sessions/" + cs.ID},
		{http.MethodPatch, "/api/coding/sessions/" + cs.ID},
		{http.MethodDelete, "/api/coding/sessions/" + cs.ID},
		{http.MethodGet, "/api/coding/sessions/" + cs.ID + "/files"},
		{http.MethodPost, "/api/coding/sessions/" + cs.ID + "/sandbox"},
		{http.MethodPost, "/api/coding/sessions/" + cs.ID + "/deploy"},
	} {
		rr := env.do(t, req.method, req.path, "user_b", map[string]string{})
		assert.Equal(t, http.StatusNotFound, rr.Code, req.method+" "+req.path)
	}
}

func TestSandboxUnavailable(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Site")

	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "sandbox_unavailable", decodeBody[map[string]string](t, rr)["error"])
}

func TestRunSandbox(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Site")
	putFile(t, env, "user_a", cs.ID, "index.html", "<h1>hi</h1>")
	putFile(t, env, "user_a", cs.ID, "package.json", "{}")

	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", map[string]string{"command": "npm test"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeBody[sandbox.RunResult](t, rr)
	assert.Equal(t, "sbx-1", res.SandboxID)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, "https://3000-sbx-1.e2b.app", res.PreviewURL)
	require.NotNil(t, res.Exec)
	assert.Equal(t, "ran npm test", res.Exec.Stdout)

	rr = env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", map[string]int{"port": 5173})
	require.Equal(t, http.StatusOK, rr.Code)
	res = decodeBody[sandbox.RunResult](t, rr)
	assert.Equal(t, "sbx-1", res.SandboxID)
	assert.False(t, res.Created)
	assert.Nil(t, res.Exec)
	assert.Equal(t, "https://5173-sbx-1.e2b.app", res.PreviewURL)

	rr = env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", map[string]int{"port": 70000})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"sbx-1"}, env.sandboxes.killedIDs())
}

func TestRunSandboxBusy(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Site")

	held := &sync.Mutex{}
	held.Lock()
	env.handler.sandboxLocks.Store(cs.ID, held)
	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "sandbox_busy", decodeBody[map[string]string](t, rr)["error"])
}

func TestDeleteCodingSessionKillsSandbox(t *testing.T) {
	env := newTestEnv(t, true)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Site")

	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/sandbox", "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	lock, ok := env.handler.sandboxLocks.Load(cs.ID)
	require.True(t, ok, "run lock is kept for the session")
	require.True(t, lock.(*sync.Mutex).TryLock(), "run lock is released")
	lock.(*sync.Mutex).Unlock()

	rr = env.do(t, http.MethodDelete, "/api/coding/sessions/"+cs.ID, "user_a", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	_, ok = env.handler.sandboxLocks.Load(cs.ID)
	assert.False(t, ok)
	env.handler.Close()
	assert.Equal(t, []string{"sbx-1"}, env.sandboxes.killedIDs())
}

func TestDeploy(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Portfolio Site")
	putFile(t, env, "user_a", cs.ID, "index.html", "<h1>hi</h1>")

	rr := env.do(t, http.MethodPost, "/api/pages", "user_a", map[string]string{"title": "Me"})
	require.Equal(t, http.StatusCreated, rr.Code)
	page := decodeBody[domain.UserPage](t, rr)

	rr = env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/deploy", "user_a", map[string]string{"page_id": page.ID})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	started := decodeBody[map[string]string](t, rr)
	assert.Equal(t, "dpl_1", started["deployment_id"])
	assert.Equal(t, "https://site.vercel.app", started["url"])

	env.handler.Close()

	assert.Equal(t, "Portfolio Site", env.deployer.name)
	assert.Equal(t, []deploy.File{{Path: "index.html", Content: "<h1>hi</h1>"}}, env.deployer.files)

	var states []string
	for _, ev := range env.notifier.all() {
		assert.Equal(t, agent.EventDeploy, ev.Type)
		assert.Equal(t, "user_a", ev.UserID)
		assert.Equal(t, "tab-1", ev.SessionID)
		states = append(states, ev.Data.(*agent.DeployEvent).State)
	}
	assert.Equal(t, []string{deploy.StateQueued, deploy.StateBuilding, deploy.StateReady}, states)
	assert.Contains(t, env.events.published(), events.DeploymentReady)

	stored, err := env.repo.GetCodingSession(t.Context(), cs.ID)
	require.NoError(t, err)
	assert.Equal(t, deploy.StateReady, stored.DeploymentState)
	assert.Equal(t, "https://site.vercel.app", stored.DeploymentURL)

	updated, err := env.repo.GetPage(t.Context(), page.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://site.vercel.app", updated.DeploymentURL)
}

func TestDeployFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.deployer.states = []string{deploy.StateBuilding, deploy.StateError}
	env.seedUser(t, "user_a", true)
	cs := createSession(t, env, "user_a", "Broken")
	putFile(t, env, "user_a", cs.ID, "index.html", "x")

	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/deploy", "user_a", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	env.handler.Close()

	assert.Contains(t, env.events.published(), events.DeploymentFailed)
	assert.NotContains(t, env.events.published(), events.DeploymentReady)
}

func TestDeployRejects(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)
	env.seedUser(t, "user_b", true)
	cs := createSession(t, env, "user_a", "Empty")

	rr := env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/deploy", "user_a", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/pages", "user_b", map[string]string{"title": "Other"})
	require.Equal(t, http.StatusCreated, rr.Code)
	foreign := decodeBody[domain.UserPage](t, rr)
	rr = env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/deploy", "user_a", map[string]string{"page_id": foreign.ID})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	env.handler.deployer = nil
	rr = env.do(t, http.MethodPost, "/api/coding/sessions/"+cs.ID+"/deploy", "user_a", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
