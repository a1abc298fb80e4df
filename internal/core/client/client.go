// Package client issues authenticated requests against the Video Tunnel API.
// It attaches the session token, retries transient failures with exponential
// backoff, and transparently re-authenticates once when the server rejects
// the session mid-flight.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

// TokenSource supplies session tokens and accepts invalidation. Implemented
// by auth.SessionManager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Client is the authenticated HTTP transport for the Video Tunnel API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	log     *slog.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	// sleep waits out a backoff delay; injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts client behavior.
type Option func(*Client)

// WithRetryPolicy overrides the attempt budget and backoff parameters.
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.backoffBase = base
		c.backoffCap = cap
	}
}

// WithSleeper overrides how backoff delays are waited out.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a transport client for the server at baseURL.
func New(baseURL string, tokens TokenSource, httpClient *http.Client, log *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		baseURL:     baseURL,
		tokens:      tokens,
		http:        httpClient,
		log:         log,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get issues an authenticated GET and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post issues an authenticated POST with a JSON body and returns the raw
// response body.
func (c *Client) Post(ctx context.Context, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, pverr.Wrap(pverr.KindValidation, "client.post", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, payload)
}

// GetJSON issues Get and decodes the response into out. A 2xx response that
// does not decode is a protocol error and is not retried.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	body, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return pverr.Wrap(pverr.KindProtocol, "client.get "+path, err)
	}
	return nil
}

// PostJSON issues Post and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.Post(ctx, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return pverr.Wrap(pverr.KindProtocol, "client.post "+path, err)
	}
	return nil
}

// do runs the attempt loop. Network errors and 5xx responses consume the
// backoff budget; a 401/403 triggers one invalidate-and-reauth retry that
// does not consume it.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	op := fmt.Sprintf("client.%s %s", method, path)

	backoff := c.backoffBase
	reauthed := false

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
			if backoff > c.backoffCap {
				backoff = c.backoffCap
			}
		}

		token, err := c.tokens.Token(ctx)
		if err != nil {
			if pverr.IsKind(err, pverr.KindTransient) {
				// Handshake hit a network failure; spend a retry slot on it.
				c.log.Warn("token acquisition failed, will retry", "error", err)
				lastErr = err
				continue
			}
			return nil, err
		}

		body, status, err := c.attempt(ctx, method, path, token, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			c.log.Warn("request failed, will retry", "method", method, "path", path, "attempt", attempt+1, "error", err)
			lastErr = err
			continue
		}

		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			c.tokens.Invalidate()
			if reauthed {
				return nil, pverr.Newf(pverr.KindAuth, op, "HTTP %d after re-authentication", status)
			}
			reauthed = true
			c.log.Warn("session rejected, re-authenticating", "method", method, "path", path, "status", status)
			// The auth retry is not part of the connectivity budget.
			attempt--
			continue

		case status >= 500:
			c.log.Warn("server error, will retry", "method", method, "path", path, "status", status, "attempt", attempt+1)
			lastErr = pverr.Newf(pverr.KindTransient, op, "HTTP %d", status)
			continue

		case status >= 400:
			return nil, pverr.Newf(pverr.KindProtocol, op, "unexpected HTTP %d: %s", status, truncate(body, 200))

		case status >= 200 && status < 300:
			return body, nil

		default:
			return nil, pverr.Newf(pverr.KindProtocol, op, "unexpected HTTP %d", status)
		}
	}

	return nil, pverr.Wrap(pverr.KindConnectivity, op, fmt.Errorf("retries exhausted after %d attempts: %w", c.maxAttempts, lastErr))
}

func (c *Client) attempt(ctx context.Context, method, path, token string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Session-Token", token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
