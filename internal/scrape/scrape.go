// Package scrape extracts a readable summary from a public web page.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	maxBodyBytes = 2 << 20
	maxHeadings  = 10
	maxExcerpt   = 2000
)

var (
	ErrUnsupportedScheme = errors.New("only http and https urls are supported")
	ErrNotHTML           = errors.New("response is not html")
	ErrPrivateAddress    = errors.New("refusing to fetch private address")
)

// Page is the extracted summary.
type Page struct {
	URL         string            `json:"url"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	OpenGraph   map[string]string `json:"open_graph,omitempty"`
	Headings    []string          `json:"headings,omitempty"`
	Excerpt     string            `json:"excerpt,omitempty"`
}

// Fetcher downloads and parses pages.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher that refuses loopback, private and link-local
// destinations, including after redirects.
func New() *Fetcher {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
				ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
				return ErrPrivateAddress
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return newFetcher(&http.Client{Timeout: 20 * time.Second, Transport: transport})
}

func newFetcher(client *http.Client) *Fetcher {
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return errors.New("too many redirects")
		}
		return checkScheme(req.URL)
	}
	return &Fetcher{client: client}
}

func checkScheme(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrUnsupportedScheme
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host")
	}
	return nil
}

// Fetch downloads rawURL and extracts its summary.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if err := checkScheme(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "HeysMeBot/1.0 (+https://heysme.app)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "text/html" && mt != "application/xhtml+xml") {
			return nil, ErrNotHTML
		}
	}

	page, err := Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	page.URL = resp.Request.URL.String()
	return page, nil
}

// Parse extracts the summary from an HTML document.
func Parse(r io.Reader) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	p := &Page{OpenGraph: map[string]string{}}
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg:
				return
			case atom.Title:
				if p.Title == "" {
					p.Title = collapse(textOf(n))
				}
				return
			case atom.Meta:
				p.readMeta(n)
			case atom.H1, atom.H2:
				if h := collapse(textOf(n)); h != "" && len(p.Headings) < maxHeadings {
					p.Headings = append(p.Headings, h)
				}
			}
		}
		if n.Type == html.TextNode && text.Len() < maxExcerpt*2 {
			if s := collapse(n.Data); s != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if p.Description == "" {
		p.Description = p.OpenGraph["description"]
	}
	if p.Title == "" {
		p.Title = p.OpenGraph["title"]
	}
	p.Excerpt = truncate(text.String(), maxExcerpt)
	return p, nil
}

func (p *Page) readMeta(n *html.Node) {
	var name, content string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "name", "property":
			name = strings.ToLower(strings.TrimSpace(a.Val))
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	switch {
	case content == "":
	case name == "description":
		p.Description = content
	case strings.HasPrefix(name, "og:"):
		p.OpenGraph[strings.TrimPrefix(name, "og:")] = content
	}
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
