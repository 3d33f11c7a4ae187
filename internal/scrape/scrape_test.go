package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<!doctype html>
<html><head>
<title>  Ada   Lovelace </title>
<meta name="description" content="First programmer">
<meta property="og:image" content="https://example.com/ada.png">
<style>body { color: red }</style>
<script>var secret = 1;</script>
</head><body>
<h1>About <em>me</em></h1>
<p>I write notes on the Analytical Engine.</p>
<h2>Projects</h2>
<h3>ignored</h3>
</body></html>`

func TestParse(t *testing.T) {
	p, err := Parse(strings.NewReader(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Ada Lovelace", p.Title)
	assert.Equal(t, "First programmer", p.Description)
	assert.Equal(t, "https://example.com/ada.png", p.OpenGraph["image"])
	assert.Equal(t, []string{"About me", "Projects"}, p.Headings)
	assert.Contains(t, p.Excerpt, "Analytical Engine")
	assert.NotContains(t, p.Excerpt, "secret")
	assert.NotContains(t, p.Excerpt, "color")
}

func TestParseLimits(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 20; i++ {
		b.WriteString("<h2>heading</h2>")
	}
	b.WriteString("<p>" + strings.Repeat("é ", 3000) + "</p></body></html>")

	p, err := Parse(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Len(t, p.Headings, maxHeadings)
	assert.LessOrEqual(t, utf8.RuneCountInString(p.Excerpt), maxExcerpt)
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(samplePage))
		}
	}))
	defer srv.Close()

	f := newFetcher(srv.Client())
	ctx := context.Background()

	p, err := f.Fetch(ctx, srv.URL+"/about")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", p.Title)
	assert.Equal(t, srv.URL+"/about", p.URL)

	_, err = f.Fetch(ctx, srv.URL+"/json")
	assert.ErrorIs(t, err, ErrNotHTML)

	_, err = f.Fetch(ctx, srv.URL+"/missing")
	assert.Error(t, err)

	_, err = f.Fetch(ctx, "file:///etc/passwd")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestFetchRefusesLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	_, err := New().Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrPrivateAddress)
}
