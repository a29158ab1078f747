package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kingrea/scanrelay/internal/fsx"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 3
	defaultRetryDelay  = 200 * time.Millisecond
	maxJSONBody        = 8 * 1024 * 1024
)

// HTTPClient implements Client over the archive REST API.
type HTTPClient struct {
	baseURL     string
	token       string
	http        *http.Client
	maxAttempts int
	retryDelay  time.Duration
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sends a bearer token on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) {
		c.token = strings.TrimSpace(token)
	}
}

// WithTimeout bounds every request.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithHTTPClient swaps the underlying client (tests use httptest clients).
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRetry sets the attempt budget and base backoff for transient failures.
func WithRetry(maxAttempts int, baseDelay time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			c.retryDelay = baseDelay
		}
	}
}

// NewHTTPClient builds a client for baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("archive: invalid base url %q", baseURL)
	}
	c := &HTTPClient{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) ListSessions(ctx context.Context) ([]SessionRef, error) {
	var refs []SessionRef
	if err := c.getJSON(ctx, "/sessions", &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (c *HTTPClient) Status(ctx context.Context, ref SessionRef) (Status, error) {
	var status Status
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(ref.ID)+"/status", &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Download streams one item into dest. Existing files are left alone so a
// re-run after a crash only fetches what is missing.
func (c *HTTPClient) Download(ctx context.Context, ref SessionRef, item Item, dest string) error {
	if fsx.Exists(dest) {
		return nil
	}
	path := "/sessions/" + url.PathEscape(ref.ID) + "/items/" + url.PathEscape(item.ID) + "/file"
	return c.do(ctx, http.MethodGet, path, func(body io.Reader) error {
		if err := fsx.WriteAtomic(dest, body, 0o644); err != nil {
			return fmt.Errorf("archive: store %s: %w", dest, err)
		}
		return nil
	})
}

func (c *HTTPClient) Purge(ctx context.Context, ref SessionRef) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(ref.ID), nil)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, func(body io.Reader) error {
		if err := json.NewDecoder(io.LimitReader(body, maxJSONBody)).Decode(out); err != nil {
			return fmt.Errorf("archive: decode %s: %w", path, err)
		}
		return nil
	})
}

// do runs one request with bounded retry on transient failures.
func (c *HTTPClient) do(ctx context.Context, method, path string, handle func(io.Reader) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.once(ctx, method, path, handle)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) || attempt == c.maxAttempts {
			break
		}
		timer := time.NewTimer(c.retryDelay << (attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path string, handle func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("archive: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if handle == nil {
		return nil
	}
	return handle(resp.Body)
}
