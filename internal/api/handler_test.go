//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestErrorHidesServerDetailsInProduction(t *testing.T) {
	development.Store(false)
	r := httptest.NewRequest(http.MethodGet, "/api/pages", nil)

	w := httptest.NewRecorder()
	Error(w, r, http.StatusInternalServerError, "internal_error", errors.New("dial tcp: refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	got := decodeBody[map[string]string](t, w)
	assert.Equal(t, "internal_error", got["error"])
	assert.Equal(t, "Internal Server Error", got["message"])
	assert.NotContains(t, got, "stack")

	w = httptest.NewRecorder()
	Error(w, r, http.StatusBadRequest, "invalid_input", errors.New("title is required"))
	got = decodeBody[map[string]string](t, w)
	assert.Equal(t, "title is required", got["message"])
}

func TestErrorShowsDetailsInDevelopment(t *testing.T) {
	development.Store(true)
	t.Cleanup(func() { development.Store(false) })
	r := httptest.NewRequest(http.MethodGet, "/api/pages", nil)

	w := httptest.NewRecorder()
	Error(w, r, http.StatusBadGateway, "sandbox_failed", errors.New("provider down"))
	got := decodeBody[map[string]string](t, w)
	assert.Equal(t, "provider down", got["message"])
	assert.NotEmpty(t, got["stack"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)

	rr := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, "healthy", got["status"])
	assert.Equal(t, map[string]interface{}{"api": "ok", "database": "ok"}, got["checks"])

	require.NoError(t, env.repo.Close())
	rr = env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	got = decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, "degraded", got["status"])
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, true)

	rr := env.do(t, http.MethodGet, "/api/config", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, false, got["ai_enabled"])
	assert.Equal(t, true, got["sandbox_enabled"])
	assert.Equal(t, "e2b", got["sandbox_provider"])
	assert.Equal(t, true, got["deploy_enabled"])
	assert.Equal(t, true, got["invite_required"])
	assert.Equal(t, "anthropic", got["llm_provider"])
}

func TestGetMe(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, adminID, false)

	rr := env.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/me", adminID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[map[string]interface{}](t, rr)
	assert.Equal(t, true, got["is_admin"])
	assert.Equal(t, false, got["invite_redeemed"])
	assert.Equal(t, adminID, got["user"].(map[string]interface{})["id"])
}

func TestDecodeRejectsBadBodies(t *testing.T) {
	env := newTestEnv(t, false)
	env.seedUser(t, "user_a", true)

	req := httptest.NewRequest(http.MethodPost, "/api/pages", strings.NewReader("{not json"))
	req.Header.Set("X-Test-User", "user_a")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_input", decodeBody[map[string]string](t, rr)["error"])

	huge := `{"title":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/api/pages", strings.NewReader(huge))
	req.Header.Set("X-Test-User", "user_a")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}
