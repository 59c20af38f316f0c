// Package auth inspects the bearer token handed to the client. Tokens are
// acquired elsewhere; this package only checks that one is usable.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned for tokens past their exp claim.
	ErrTokenExpired = errors.New("auth token expired")
	// ErrMissingToken is returned for an empty token.
	ErrMissingToken = errors.New("auth token missing")
)

// ExpiresAt reads the exp claim without verifying the signature; the server
// does that. ok is false for tokens without exp, and for opaque tokens that
// are not JWTs at all.
func ExpiresAt(token string) (exp time.Time, ok bool, err error) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// Check rejects missing tokens and tokens that expire within skew of now.
func Check(token string, now time.Time, skew time.Duration) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	exp, ok, err := ExpiresAt(token)
	if err != nil {
		return err
	}
	if ok && !now.Add(skew).Before(exp) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}
