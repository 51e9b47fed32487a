package forum

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// RefreshCookieName is the cookie the auth service uses for the refresh token.
const RefreshCookieName = "refresh_token"

// refreshTimeout bounds a shared token refresh, which outlives the callers waiting on it.
const refreshTimeout = 30 * time.Second

// maxErrorBody bounds how much of a non-JSON error body ends up in an APIError.
const maxErrorBody = 512

// Options configures a Client.
type Options struct {
	// BaseURL is the chat service root, e.g. "https://forum.example.com/api". Required.
	BaseURL string

	// AuthURL is the auth service root. Defaults to BaseURL.
	AuthURL string

	// Tokens persists credentials. Defaults to an empty in-memory store.
	Tokens TokenStore

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// RateLimit throttles outgoing requests. Zero disables throttling.
	RateLimit rate.Limit
	Burst     int

	// UserAgent is sent on every request; the auth service records it per session.
	UserAgent string
}

// Client talks to the forum REST API. It is safe for concurrent use.
//
// Authenticated requests carry the stored bearer token. A 401 triggers exactly one
// token refresh (shared by all concurrent callers) and one retry; after that the
// error propagates.
type Client struct {
	baseURL   string
	authURL   string
	http      *http.Client
	tokens    TokenStore
	log       *zap.Logger
	limiter   *rate.Limiter
	userAgent string
	refresh   singleflight.Group
}

// NewClient builds a client from opts.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := normalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	authBase := base
	if opts.AuthURL != "" {
		authBase, err = normalizeBaseURL(opts.AuthURL)
		if err != nil {
			return nil, fmt.Errorf("invalid auth URL: %w", err)
		}
	}

	c := &Client{
		baseURL:   base,
		authURL:   authBase,
		http:      opts.HTTPClient,
		tokens:    opts.Tokens,
		log:       opts.Logger,
		userAgent: opts.UserAgent,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.tokens == nil {
		c.tokens = NewMemoryTokenStore(Credentials{})
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.userAgent == "" {
		c.userAgent = "parley"
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	return c, nil
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q (use http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in %q", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalized chat service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Tokens returns the store the client reads credentials from.
func (c *Client) Tokens() TokenStore {
	return c.tokens
}

// AccessToken returns the currently stored access token, or ErrNotAuthenticated.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	creds, err := c.tokens.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}
	if creds.IsZero() {
		return "", ErrNotAuthenticated
	}
	return creds.AccessToken, nil
}

type request struct {
	method string
	base   string
	path   string
	query  url.Values
	body   any

	// public requests never carry a token and never trigger a refresh
	public bool

	// refreshCookie is attached as the refresh_token cookie
	refreshCookie string
}

type response struct {
	status  int
	body    []byte
	cookies []*http.Cookie
}

// do sends r and applies the refresh-once policy on 401.
func (c *Client) do(ctx context.Context, r request) (*response, error) {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var token string
	if !r.public {
		creds, err := c.tokens.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load credentials: %w", err)
		}
		token = creds.AccessToken
	}

	resp, err := c.send(ctx, r, payload, token)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized && !r.public && token != "" {
		firstErr := c.apiError(r, resp)

		newToken, refreshErr := c.refreshShared(ctx, token)
		if refreshErr != nil {
			c.log.Warn("token refresh failed", zap.String("path", r.path), zap.Error(refreshErr))
			// Only a rejected refresh token ends the session. Cancellation and
			// network errors leave the stored token so the next call refreshes again.
			if refreshRejected(refreshErr) {
				if clearErr := c.dropAccessToken(context.WithoutCancel(ctx)); clearErr != nil {
					c.log.Warn("failed to clear stale access token", zap.Error(clearErr))
				}
			}
			return nil, errors.Join(firstErr, fmt.Errorf("token refresh failed: %w", refreshErr))
		}

		resp, err = c.send(ctx, r, payload, newToken)
		if err != nil {
			return nil, err
		}
	}

	if resp.status < 200 || resp.status > 299 {
		return resp, c.apiError(r, resp)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, r request, payload []byte, token string) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	target := r.base + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if r.refreshCookie != "" {
		req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: r.refreshCookie})
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed: %w", r.method, r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s %s response: %w", r.method, r.path, err)
	}

	c.log.Debug("api request",
		zap.String("method", r.method),
		zap.String("path", r.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
		zap.String("request_id", requestID),
	)

	return &response{status: resp.StatusCode, body: data, cookies: resp.Cookies()}, nil
}

func (c *Client) apiError(r request, resp *response) *APIError {
	apiErr := &APIError{Status: resp.status, Method: r.method, Path: r.path}

	var dto errorDTO
	if err := json.Unmarshal(resp.body, &dto); err == nil && (dto.Message != "" || dto.Code != "") {
		apiErr.Code = dto.Code
		apiErr.Message = dto.Message
		return apiErr
	}

	text := strings.TrimSpace(string(resp.body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	apiErr.Message = text
	return apiErr
}

// refreshShared refreshes the access token once for all callers that saw the
// same stale token. If the stored token already differs from stale, another
// caller (or process) refreshed it and that token is used as is.
//
// The refresh runs detached from ctx: a caller giving up returns ctx.Err() but
// does not fail the refresh for everyone else waiting on it.
func (c *Client) refreshShared(ctx context.Context, stale string) (string, error) {
	ch := c.refresh.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		creds, err := c.tokens.Load(rctx)
		if err != nil {
			return "", fmt.Errorf("failed to load credentials: %w", err)
		}
		if creds.AccessToken != "" && creds.AccessToken != stale {
			return creds.AccessToken, nil
		}
		fresh, err := c.Refresh(rctx)
		if err != nil {
			return "", err
		}
		return fresh.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.log.Debug("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// refreshRejected reports whether the auth service refused the refresh token itself.
func refreshRejected(err error) bool {
	if errors.Is(err, ErrNotAuthenticated) {
		return true
	}
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (c *Client) dropAccessToken(ctx context.Context) error {
	creds, err := c.tokens.Load(ctx)
	if err != nil {
		return err
	}
	creds.AccessToken = ""
	if creds.RefreshToken == "" {
		return c.tokens.Clear(ctx)
	}
	return c.tokens.Save(ctx, creds)
}

func decodeJSON(resp *response, kind string, out any) error {
	if err := json.Unmarshal(resp.body, out); err != nil {
		return &DecodeError{Kind: kind, Reason: err.Error(), Raw: resp.body}
	}
	return nil
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, id)
}
