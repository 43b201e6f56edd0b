// Package registry holds the two read-only HTTP clients used to validate
// plugins: the node registry and the source-hosting service.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxResponseSize = 4 << 20 // 4MB
	cacheEntries    = 512
	userAgent       = "comfydock"
)

// Option configures a client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *client) { cl.http = c }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cl *client) { cl.policy = p }
}

// WithRateLimit caps outgoing requests per second. Zero or less disables
// the limit.
func WithRateLimit(rps float64) Option {
	return func(cl *client) { cl.rps = rps }
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(cl *client) { cl.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *client) { cl.logger = l }
}

// client is the shared GET-JSON plumbing: rate limit, retry, circuit breaker
// and a response cache keyed by URL.
type client struct {
	baseURL string
	http    *http.Client
	policy  RetryPolicy
	rps     float64
	token   string
	logger  *zap.Logger

	limiter *rate.Limiter
	retry   *retrier
	cache   *lru.Cache[string, []byte]
}

func newClient(baseURL string, opts []Option) *client {
	c := &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		policy:  DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(c.rps), 1)
	}
	c.retry = newRetrier(c.policy, c.logger)
	// lru.New only fails for a non-positive size.
	c.cache, _ = lru.New[string, []byte](cacheEntries)
	return c
}

// getJSON fetches baseURL+path into out. Successful bodies are cached;
// 404s are returned as *StatusError without retrying.
func (c *client) getJSON(ctx context.Context, path string, out interface{}) error {
	url := c.baseURL + path
	if body, ok := c.cache.Get(url); ok {
		return json.Unmarshal(body, out)
	}

	var body []byte
	err := c.retry.do(ctx, "GET "+url, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		b, err := c.fetch(ctx, url)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	c.cache.Add(url, body)
	return nil
}

func (c *client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return body, nil
}
