package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestCheck(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	valid := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))})
	require.NoError(t, Check(valid, now, time.Minute))

	expired := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))})
	require.ErrorIs(t, Check(expired, now, 0), ErrTokenExpired)

	// Inside the skew counts as expired.
	soon := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(30 * time.Second))})
	require.ErrorIs(t, Check(soon, now, time.Minute), ErrTokenExpired)

	noExp := signed(t, jwt.RegisteredClaims{Subject: "u1"})
	require.NoError(t, Check(noExp, now, time.Minute))

	require.NoError(t, Check("opaque-token", now, time.Minute))
	require.ErrorIs(t, Check("  ", now, 0), ErrMissingToken)
	require.Error(t, Check("a.b.c", now, 0))
}

func TestExpiresAt(t *testing.T) {
	exp := time.Unix(1_800_000_000, 0)
	got, ok, err := ExpiresAt(signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, exp.Equal(got))
}
