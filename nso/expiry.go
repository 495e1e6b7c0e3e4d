package nso

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetimes assumed when a token carries no exp claim and the response no
// expires_in.
const (
	SessionTokenLifetime    = 2 * 365 * 24 * time.Hour
	AccessTokenLifetime     = 15 * time.Minute
	WebServiceTokenLifetime = 2 * time.Hour
	GameWebTokenLifetime    = 6*time.Hour + 30*time.Minute
	BulletTokenLifetime     = 2 * time.Hour
)

var claimsParser = jwt.NewParser()

// newToken dates value. A JWT exp claim wins over expiresIn (seconds), which
// wins over fallback. The signature is not checked: the token is only ever
// presented back to its issuer.
func newToken(value string, now time.Time, expiresIn int64, fallback time.Duration) Token {
	t := Token{Value: value, IssuedAt: now}
	if iat, exp, ok := jwtLifetime(value); ok {
		if !iat.IsZero() {
			t.IssuedAt = iat
		}
		t.ExpiresAt = exp
		return t
	}
	if expiresIn > 0 {
		t.ExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
		return t
	}
	if fallback > 0 {
		t.ExpiresAt = now.Add(fallback)
	}
	return t
}

// TokenFromValue dates a token loaded from outside the chain (environment,
// file) the same way a freshly minted one would be.
func TokenFromValue(value string, now time.Time, fallback time.Duration) Token {
	return newToken(value, now, 0, fallback)
}

func jwtLifetime(value string) (iat, exp time.Time, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := claimsParser.ParseUnverified(value, &claims); err != nil {
		return time.Time{}, time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, time.Time{}, false
	}
	if claims.IssuedAt != nil {
		iat = claims.IssuedAt.Time
	}
	return iat, claims.ExpiresAt.Time, true
}
