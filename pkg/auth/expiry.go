package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryHint returns the exp claim of a JWT access token, or the zero time
// when token is not a JWT or carries no exp. The signature is not checked;
// the server remains the authority on validity.
func ExpiryHint(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// expiresAt picks the explicit lifetime when known, then the JWT hint
func expiresAt(token string, explicit time.Time, ttl time.Duration) time.Time {
	switch {
	case !explicit.IsZero():
		return explicit
	case ttl > 0:
		return time.Now().Add(ttl)
	default:
		return ExpiryHint(token)
	}
}
