package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var noContent = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestCORSExplicitOrigin(t *testing.T) {
	h := CORS([]string{"https://heysme.app"})(noContent)

	r := httptest.NewRequest(http.MethodGet, "/api/plaza", nil)
	r.Header.Set("Origin", "https://heysme.app")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "https://heysme.app", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-HeysMe-Session-ID")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	h := CORS([]string{"*"})(noContent)

	r := httptest.NewRequest(http.MethodOptions, "/api/plaza", nil)
	r.Header.Set("Origin", "https://other.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "https://other.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSUnknownOrigin(t *testing.T) {
	h := CORS([]string{"https://heysme.app"})(noContent)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("1.1.1.1"))
	assert.False(t, l.Allow("1.1.1.1"))
	assert.True(t, l.Allow("2.2.2.2"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("1.1.1.1"))

	now = now.Add(2 * limiterIdleTTL)
	l.Allow("3.3.3.3")
	assert.Equal(t, 1, l.Len())
}

func TestIPRateLimitMiddleware(t *testing.T) {
	h := IPRateLimit(0.5, 1)(noContent)

	first := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/invite/validate", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(first, r)
	assert.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, r)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "2", second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate_limited","message":"too many requests"}`, second.Body.String())
}
