// Package repo holds the JSON-over-HTTP client shared by domain agents and the detection
// data source. Failures are classified so callers can tell retryable from terminal errors.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-risk/internal/utils"
)

// Client posts JSON to an upstream collaborator.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit bounds outbound requests per second. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewClient constructs a client for the named upstream.
func NewClient(name, baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the upstream in errors and logs.
func (c *Client) Name() string { return c.name }

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

func (c *Client) resolve(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// PostJSON sends payload to p and decodes the 200 response into out.
// Transport failures, timeouts, 429 and 5xx are retryable; other 4xx and undecodable bodies are terminal.
func (c *Client) PostJSON(ctx context.Context, p string, payload, out any) error {
	op := c.name + ".PostJSON"
	if !c.Configured() {
		return utils.TerminalError(op, "upstream base URL not configured", nil)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.ValidationError(op, fmt.Sprintf("marshal payload: %v", err))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return utils.RetryableError(op, "rate limiter", err)
		}
	}

	endpoint := c.resolve(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return utils.TerminalError(op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return utils.RetryableError(op, "request failed", err).With("endpoint", endpoint).With("timeout", isTimeout(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		upstream := fmt.Errorf("%s returned %s: %s", c.name, resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return utils.RetryableError(op, "upstream unavailable", upstream).With("status", resp.StatusCode)
		}
		return utils.TerminalError(op, "upstream rejected request", upstream).With("status", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return utils.TerminalError(op, "decode response", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
