// Package httpclient is the small JSON-over-HTTP client shared by the
// embeddings API provider and the webhook sink.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3
	maxErrorBody   = 512
)

// UserAgent is sent with every request.
var UserAgent = "triage"

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Body       string // truncated to 512 bytes
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated
// (rate limiting or a server-side failure).
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	e := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Client POSTs JSON to a base URL with optional Bearer auth, retrying
// temporary failures with exponential backoff.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retries int
	backoff time.Duration
	headers map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries sets how many times a temporary failure is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the first retry delay; later retries double it.
func WithBackoff(base time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoff = base
		}
	}
}

// WithHeaders adds headers sent with every request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) { c.headers = h }
}

// New creates a Client. An empty token sends no Authorization header.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		retries: defaultRetries,
		backoff: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON POSTs body as JSON to path and decodes the response into dest
// (nil discards it). Non-2xx responses come back as *APIError; 429 and 5xx
// are retried first, honoring Retry-After.
func (c *Client) PostJSON(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("httpclient: encode request: %w", err)
	}

	var retryAfter time.Duration
	exp := retry.NewExponential(c.backoff)
	backoff := retry.WithMaxRetries(uint64(c.retries), retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := exp.Next()
		if retryAfter > 0 {
			next = retryAfter
		}
		return next, stop
	}))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		respBody, err := c.send(ctx, path, payload)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Temporary() {
				retryAfter = apiErr.RetryAfter
				return retry.RetryableError(err)
			}
			return err
		}
		return decode(respBody, dest)
	})
}

// send performs a single attempt and returns the body of a 2xx response.
func (c *Client) send(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp, body)
	}
	return body, nil
}

func decode(body []byte, dest any) error {
	if dest == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("httpclient: decode response: %w", err)
	}
	return nil
}
