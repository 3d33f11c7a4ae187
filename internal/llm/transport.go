package llm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	maxRetries    = 3
	maxErrorBody  = 4 << 10
	scanBufInit   = 64 * 1024
	scanBufMax    = 1024 * 1024
	streamTimeout = 5 * time.Minute
)

// retryBase is the first backoff step; tests shrink it.
var retryBase = time.Second

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: streamTimeout}
}

// send issues the request built by newReq, retrying rate limits and
// server errors with exponential backoff.
func send(ctx context.Context, client *http.Client, provider string, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", provider, err)
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		lastErr = &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if !retryable || i == maxRetries-1 {
			break
		}
		delay := retryBase * time.Duration(1<<i)
		slog.Warn("LLM request throttled, retrying", "provider", provider, "status", resp.StatusCode, "delay", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// scanSSE calls fn for every data payload of a server-sent event stream.
// The event name is empty when the stream does not send event: lines.
func scanSSE(r io.Reader, fn func(event, data string) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufInit), scanBufMax)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			cont, err := fn(event, data)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
