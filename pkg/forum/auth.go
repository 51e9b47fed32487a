package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Login exchanges email and password for an access token and stores the
// returned credentials (including the rotated refresh cookie).
func (c *Client) Login(ctx context.Context, req LoginRequest) (Credentials, error) {
	if err := req.Validate(); err != nil {
		return Credentials{}, fmt.Errorf("invalid login request: %w", err)
	}

	resp, err := c.do(ctx, request{method: http.MethodPost, base: c.authURL, path: "/auth/login", body: req, public: true})
	if err != nil {
		return Credentials{}, err
	}

	creds, err := credentialsFrom(resp, "")
	if err != nil {
		return Credentials{}, err
	}
	if err := c.tokens.Save(ctx, creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to save credentials: %w", err)
	}

	c.log.Info("logged in", zap.String("email", req.Email))
	return creds, nil
}

// Register creates an account. The auth service answers 201 with a plain
// confirmation string, which is returned as is.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid registration: %w", err)
	}

	resp, err := c.do(ctx, request{method: http.MethodPost, base: c.authURL, path: "/auth/register", body: req, public: true})
	if err != nil {
		return "", err
	}

	var msg string
	if err := json.Unmarshal(resp.body, &msg); err == nil {
		return msg, nil
	}
	return strings.TrimSpace(string(resp.body)), nil
}

// Refresh trades the stored refresh token for a new access token.
// Most callers never need this: authenticated requests refresh on 401.
func (c *Client) Refresh(ctx context.Context) (Credentials, error) {
	stored, err := c.tokens.Load(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	if stored.RefreshToken == "" {
		return Credentials{}, fmt.Errorf("no refresh token stored: %w", ErrNotAuthenticated)
	}

	resp, err := c.do(ctx, request{
		method:        http.MethodPost,
		base:          c.authURL,
		path:          "/auth/refresh",
		public:        true,
		refreshCookie: stored.RefreshToken,
	})
	if err != nil {
		return Credentials{}, err
	}

	creds, err := credentialsFrom(resp, stored.RefreshToken)
	if err != nil {
		return Credentials{}, err
	}
	if err := c.tokens.Save(ctx, creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to save credentials: %w", err)
	}

	c.log.Debug("access token refreshed")
	return creds, nil
}

// Logout revokes the current session on the server (best effort) and always
// clears local credentials. A session that is already gone is not an error.
func (c *Client) Logout(ctx context.Context) error {
	stored, err := c.tokens.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	var serverErr error
	if !stored.IsZero() || stored.RefreshToken != "" {
		_, serverErr = c.do(ctx, request{
			method:        http.MethodDelete,
			base:          c.authURL,
			path:          "/auth/session",
			refreshCookie: stored.RefreshToken,
		})
		switch StatusCode(serverErr) {
		case http.StatusUnauthorized, http.StatusNotFound:
			serverErr = nil
		}
		if serverErr != nil {
			c.log.Warn("server logout failed", zap.Error(serverErr))
		}
	}

	if err := c.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return serverErr
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	if _, err := c.AccessToken(ctx); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.authURL, path: "/auth/me"})
	if err != nil {
		return nil, err
	}

	var dto userDTO
	if err := decodeJSON(resp, "user", &dto); err != nil {
		return nil, err
	}
	u, err := dto.toUser()
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile applies a partial update to the authenticated user.
func (c *Client) UpdateProfile(ctx context.Context, req UpdateProfileRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid profile update: %w", err)
	}
	if _, err := c.AccessToken(ctx); err != nil {
		return err
	}
	_, err := c.do(ctx, request{method: http.MethodPatch, base: c.authURL, path: "/auth/user", body: req})
	return err
}

// ListSessions returns the refresh-token sessions of the authenticated user.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	if _, err := c.AccessToken(ctx); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, base: c.authURL, path: "/auth/sessions"})
	if err != nil {
		return nil, err
	}

	var dtos []sessionDTO
	if err := decodeJSON(resp, "session list", &dtos); err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(dtos))
	for i := range dtos {
		sessions = append(sessions, dtos[i].toSession())
	}
	return sessions, nil
}

// RevokeAllSessions ends every session of the authenticated user, including
// this one. The current access token stays usable until it expires.
func (c *Client) RevokeAllSessions(ctx context.Context) error {
	if _, err := c.AccessToken(ctx); err != nil {
		return err
	}
	_, err := c.do(ctx, request{method: http.MethodDelete, base: c.authURL, path: "/auth/sessions"})
	return err
}

// CurrentClaims parses the stored access token.
func (c *Client) CurrentClaims(ctx context.Context) (Claims, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return Claims{}, err
	}
	return ParseClaims(token)
}

// RequireAdmin returns nil when the authenticated user is an admin.
// The role claim is trusted for the decision when present; otherwise /auth/me is asked.
// The server enforces the real check either way.
func (c *Client) RequireAdmin(ctx context.Context) error {
	claims, err := c.CurrentClaims(ctx)
	if err != nil && !IsUnauthorized(err) {
		c.log.Debug("cannot read token claims, asking server", zap.Error(err))
	} else if err != nil {
		return err
	}

	if err == nil && claims.Role != "" {
		if claims.Role == RoleAdmin {
			return nil
		}
		return ErrNotAdmin
	}

	me, err := c.Me(ctx)
	if err != nil {
		return err
	}
	if !me.IsAdmin() {
		return ErrNotAdmin
	}
	return nil
}

// credentialsFrom reads the access token body and the refresh cookie.
// fallbackRefresh is kept when the server does not rotate the cookie.
func credentialsFrom(resp *response, fallbackRefresh string) (Credentials, error) {
	var dto tokenDTO
	if err := decodeJSON(resp, "token", &dto); err != nil {
		return Credentials{}, err
	}
	if dto.AccessToken == "" {
		return Credentials{}, &DecodeError{Kind: "token", Reason: "missing access_token", Raw: resp.body}
	}

	creds := Credentials{AccessToken: dto.AccessToken, RefreshToken: fallbackRefresh}
	for _, cookie := range resp.cookies {
		if cookie.Name == RefreshCookieName && cookie.Value != "" {
			creds.RefreshToken = cookie.Value
		}
	}
	return creds, nil
}
