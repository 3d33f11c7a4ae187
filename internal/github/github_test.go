package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, repos int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/octocat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"login": "octocat", "name": "The Octocat", "bio": "mascot",
			"followers": 10, "public_repos": repos, "html_url": "https://github.com/octocat",
		})
	})
	mux.HandleFunc("/users/octocat/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		assert.Equal(t, "30", r.URL.Query().Get("per_page"))
		list := make([]map[string]any, 0, repos)
		for i := 0; i < repos; i++ {
			list = append(list, map[string]any{
				"name":             fmt.Sprintf("repo-%d", i),
				"language":         "Go",
				"stargazers_count": i,
				"fork":             i == repos-1,
			})
		}
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/users/ghost", http.NotFound)
	mux.HandleFunc("/users/ghost/repos", http.NotFound)
	mux.HandleFunc("/users/limited", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/users/limited/repos", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestProfile(t *testing.T) {
	srv := newServer(t, 10)
	c := New("tok").WithBaseURL(srv.URL)

	p, err := c.Profile(context.Background(), "octocat")
	require.NoError(t, err)
	assert.Equal(t, "The Octocat", p.Name)
	assert.Equal(t, 10, p.PublicRepos)
	require.Len(t, p.TopRepos, 6)
	// repo-9 is a fork and skipped; the remaining are ordered by stars.
	assert.Equal(t, "repo-8", p.TopRepos[0].Name)
	assert.Equal(t, "repo-3", p.TopRepos[5].Name)
	assert.Equal(t, 10, p.Languages["Go"])
}

func TestProfileErrors(t *testing.T) {
	srv := newServer(t, 1)
	c := New("tok").WithBaseURL(srv.URL)

	_, err := c.Profile(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = c.Profile(context.Background(), "limited")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = c.Profile(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidUsername)
}
