// Package github fetches public GitHub profiles for the collection agent.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://api.github.com"
	recentRepos    = 30
	topRepos       = 6
)

var (
	// ErrUserNotFound is returned when GitHub answers 404 for the username.
	ErrUserNotFound = errors.New("github user not found")
	// ErrInvalidUsername is returned for names GitHub would never accept.
	ErrInvalidUsername = errors.New("invalid github username")
	// ErrRateLimited is returned when the API quota is exhausted.
	ErrRateLimited = errors.New("github rate limit exceeded")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)
)

// Repo is a summarized repository.
type Repo struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	Stars       int       `json:"stars"`
	Forks       int       `json:"forks"`
	URL         string    `json:"url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Profile is the public profile plus the most starred recent repositories.
type Profile struct {
	Login       string         `json:"login"`
	Name        string         `json:"name,omitempty"`
	Bio         string         `json:"bio,omitempty"`
	Company     string         `json:"company,omitempty"`
	Blog        string         `json:"blog,omitempty"`
	Location    string         `json:"location,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	HTMLURL     string         `json:"html_url"`
	Followers   int            `json:"followers"`
	Following   int            `json:"following"`
	PublicRepos int            `json:"public_repos"`
	TopRepos    []Repo         `json:"top_repos"`
	Languages   map[string]int `json:"languages,omitempty"`
}

type apiUser struct {
	Login       string `json:"login"`
	Name        string `json:"name"`
	Bio         string `json:"bio"`
	Company     string `json:"company"`
	Blog        string `json:"blog"`
	Location    string `json:"location"`
	AvatarURL   string `json:"avatar_url"`
	HTMLURL     string `json:"html_url"`
	Followers   int    `json:"followers"`
	Following   int    `json:"following"`
	PublicRepos int    `json:"public_repos"`
}

type apiRepo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	Stars       int       `json:"stargazers_count"`
	Forks       int       `json:"forks_count"`
	HTMLURL     string    `json:"html_url"`
	Fork        bool      `json:"fork"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Client calls the GitHub REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a client. token is optional and only raises the rate limit.
func New(token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
	}
}

// WithBaseURL points the client at another API root.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0",
		resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("github %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

// Profile fetches the user and their repositories concurrently.
func (c *Client) Profile(ctx context.Context, username string) (*Profile, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	escaped := url.PathEscape(username)

	var (
		user  apiUser
		repos []apiRepo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, "/users/"+escaped, &user)
	})
	g.Go(func() error {
		return c.get(gctx, fmt.Sprintf("/users/%s/repos?sort=updated&per_page=%d", escaped, recentRepos), &repos)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summarize(user, repos), nil
}

func summarize(user apiUser, repos []apiRepo) *Profile {
	p := &Profile{
		Login:       user.Login,
		Name:        user.Name,
		Bio:         user.Bio,
		Company:     user.Company,
		Blog:        user.Blog,
		Location:    user.Location,
		AvatarURL:   user.AvatarURL,
		HTMLURL:     user.HTMLURL,
		Followers:   user.Followers,
		Following:   user.Following,
		PublicRepos: user.PublicRepos,
		TopRepos:    []Repo{},
		Languages:   map[string]int{},
	}

	own := make([]apiRepo, 0, len(repos))
	for _, r := range repos {
		if r.Language != "" {
			p.Languages[r.Language]++
		}
		if !r.Fork {
			own = append(own, r)
		}
	}
	sort.SliceStable(own, func(i, j int) bool {
		return own[i].Stars > own[j].Stars
	})
	if len(own) > topRepos {
		own = own[:topRepos]
	}
	for _, r := range own {
		p.TopRepos = append(p.TopRepos, Repo{
			Name:        r.Name,
			Description: r.Description,
			Language:    r.Language,
			Stars:       r.Stars,
			Forks:       r.Forks,
			URL:         r.HTMLURL,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return p
}
