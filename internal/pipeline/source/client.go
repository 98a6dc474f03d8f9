// Package source is the HTTP client for the external user API.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"userpipe/pkg/platform/sentinel"
)

const maxBodyBytes = 1 << 20

// StatusError is returned when the source answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source %s returned status %d", e.URL, e.StatusCode)
}

// Client fetches the user payload and probes the source's availability.
type Client struct {
	url       string
	healthURL string
	http      *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client (tests, custom transports).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithHealthURL probes a dedicated endpoint instead of the payload URL.
func WithHealthURL(url string) Option {
	return func(cl *Client) {
		if url != "" {
			cl.healthURL = url
		}
	}
}

func New(url string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		url:       url,
		healthURL: url,
		http:      &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping performs one lightweight request; any 2xx response means ready.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, c.healthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return nil
}

// Fetch returns the raw payload of one user record.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	resp, err := c.get(ctx, c.url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read source body: %w: %w", sentinel.ErrUnavailable, err)
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w: %w", url, sentinel.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
