package forum

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("any-secret"))
	require.NoError(t, err)
	return token
}

func TestParseClaims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("string subject", func(t *testing.T) {
		c, err := ParseClaims(signed(t, jwt.MapClaims{"sub": "42", "role": "admin", "exp": exp.Unix()}))
		require.NoError(t, err)
		assert.Equal(t, int64(42), c.UserID)
		assert.Equal(t, RoleAdmin, c.Role)
		assert.True(t, exp.Equal(c.ExpiresAt))
	})

	t.Run("numeric subject", func(t *testing.T) {
		c, err := ParseClaims(signed(t, jwt.MapClaims{"sub": 7}))
		require.NoError(t, err)
		assert.Equal(t, int64(7), c.UserID)
		assert.Empty(t, c.Role)
		assert.True(t, c.ExpiresAt.IsZero())
	})

	t.Run("signature is not checked", func(t *testing.T) {
		token := signed(t, jwt.MapClaims{"sub": "1"})
		_, err := ParseClaims(token[:len(token)-4] + "AAAA")
		assert.NoError(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := ParseClaims("")
		assert.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("not a jwt", func(t *testing.T) {
		_, err := ParseClaims("opaque-token")
		assert.Error(t, err)
	})

	t.Run("non-numeric subject", func(t *testing.T) {
		_, err := ParseClaims(signed(t, jwt.MapClaims{"sub": "ann"}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a user id")
	})
}

func TestClaimsExpired(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Claims{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, c.Expired(now, 0))
	assert.True(t, c.Expired(now, time.Minute))
	assert.True(t, c.Expired(now.Add(2*time.Minute), 0))
	assert.False(t, Claims{}.Expired(now, time.Hour), "no exp never expires")
}

func TestMemoryTokenStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTokenStore(Credentials{})

	creds, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, creds.IsZero())

	require.NoError(t, s.Save(ctx, Credentials{AccessToken: "a", RefreshToken: "r"}))
	creds, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", creds.AccessToken)

	require.NoError(t, s.Clear(ctx))
	creds, err = s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, creds.IsZero())
}
