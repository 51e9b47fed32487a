package forum

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is what the client persists between runs: the bearer access token
// and the refresh token the auth service hands out as an HttpOnly cookie.
type Credentials struct {
	AccessToken  string `yaml:"access_token" json:"access_token"`
	RefreshToken string `yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
}

// IsZero reports whether no access token is stored.
func (c Credentials) IsZero() bool {
	return c.AccessToken == ""
}

// TokenStore persists credentials. Implementations must be safe for concurrent use.
// Load returns zero Credentials (not an error) when nothing is stored.
type TokenStore interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps credentials in process memory.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryTokenStore returns a store seeded with creds.
func NewMemoryTokenStore(creds Credentials) *MemoryTokenStore {
	return &MemoryTokenStore{creds: creds}
}

func (s *MemoryTokenStore) Load(ctx context.Context) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, nil
}

func (s *MemoryTokenStore) Save(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
	return nil
}

func (s *MemoryTokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	return nil
}

// Claims are the fields the client reads from an access token.
// The signature is NOT verified: the server remains the authority, these are
// only used for UX decisions (admin guard, proactive refresh, "is this my message").
type Claims struct {
	UserID    int64
	Role      Role
	ExpiresAt time.Time
}

// Expired reports whether the token expires before now+skew.
func (c Claims) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// ParseClaims reads sub, role and exp from an access token without verifying it.
func ParseClaims(accessToken string) (Claims, error) {
	if accessToken == "" {
		return Claims{}, ErrNotAuthenticated
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, mc); err != nil {
		return Claims{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	var claims Claims
	switch sub := mc["sub"].(type) {
	case string:
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil {
			return Claims{}, fmt.Errorf("access token subject is not a user id: %q", sub)
		}
		claims.UserID = id
	case float64:
		claims.UserID = int64(sub)
	case nil:
	default:
		return Claims{}, fmt.Errorf("access token subject has unexpected type %T", sub)
	}

	if role, ok := mc["role"].(string); ok {
		claims.Role = Role(role)
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("failed to read token expiry: %w", err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}
