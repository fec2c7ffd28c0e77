// Package practiceapi is a small client for the external practice-management
// API. Requests carry an OAuth2 bearer token from a credential.Manager, are
// rate limited on the way out, and have their own timeout independent of the
// caller's dataset budget.
package practiceapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/lexops/practiceops/pkg/credential"
	"github.com/lexops/practiceops/pkg/fallback"
)

// Config configures a Client.
type Config struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	Scopes         []string      `mapstructure:"scopes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// DefaultConfig returns conservative limits for a shared tenant API.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		RatePerSecond:  5,
		Burst:          10,
	}
}

const maxErrorBody = 64 << 10

// Client calls the practice API.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	http    *http.Client
	creds   *credential.Manager
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client. creds supplies the bearer token; nil sends requests
// unauthenticated.
func New(cfg Config, creds *credential.Manager, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("practiceapi: invalid base url %q", cfg.BaseURL)
	}
	d := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = d.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}

	c := &Client{
		baseURL: base,
		timeout: cfg.RequestTimeout,
		http:    &http.Client{},
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "practiceapi")
	return c, nil
}

// NewClientCredentials builds the credential manager for cfg's OAuth2 client.
func NewClientCredentials(cfg Config, clientSecret string, opts ...credential.Option) *credential.Manager {
	p := credential.NewClientCredentialsProvider(cfg.ClientID, clientSecret, cfg.TokenURL, cfg.Scopes...)
	return credential.NewManager(p, opts...)
}

// Credentials returns the manager used for bearer tokens, so callers can
// force a refresh after an auth failure.
func (c *Client) Credentials() *credential.Manager {
	return c.creds
}

// Get fetches path relative to the base URL and returns the raw body.
// Non-2xx answers are *fallback.StatusError.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("practiceapi: rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("practiceapi: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.creds != nil {
		cred, err := c.creds.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("practiceapi: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("practiceapi: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("request failed", "path", path, "status", resp.StatusCode, "duration", time.Since(start))
		return nil, &fallback.StatusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("practiceapi: reading %s: %w", path, err)
	}
	c.logger.Debug("request ok", "path", path, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}

// Source adapts a GET to a fallback.Source.
func (c *Client) Source(path string, query url.Values) fallback.Source {
	return func(ctx context.Context) ([]byte, error) {
		return c.Get(ctx, path, query)
	}
}

// errorMessage pulls a human message out of a JSON error body, falling back to
// the trimmed body text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error_description", "message", "error"} {
			if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
