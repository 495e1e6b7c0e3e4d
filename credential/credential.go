// Package credential caches the credentials of the identity chain and
// re-derives them lazily when they expire or are invalidated.
package credential

import (
	"time"

	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/nso"
)

// AuxCoralUserID is the Aux key of the Coral user id minted with the web
// service token and needed again to sign the second f value.
const AuxCoralUserID = "coral_user_id"

// Credential is one cached value of the identity chain.
type Credential struct {
	// ID is a UUID assigned when the store accepts the credential.
	ID string

	Kind  Kind
	Value string

	IssuedAt  time.Time
	ExpiresAt time.Time // zero for credentials with no known expiry

	// Aux carries side data minted alongside the value, such as the Coral
	// user id returned with the web service token.
	Aux map[string]string

	// Generation is the store generation of Kind when this value was stored.
	Generation uint64
}

// FromToken wraps an nso token.
func FromToken(kind Kind, t nso.Token) *Credential {
	return &Credential{
		Kind:      kind,
		Value:     t.Value,
		IssuedAt:  t.IssuedAt,
		ExpiresAt: t.ExpiresAt,
	}
}

// Token converts back to the form the exchanger consumes.
func (c *Credential) Token() nso.Token {
	return nso.Token{Value: c.Value, IssuedAt: c.IssuedAt, ExpiresAt: c.ExpiresAt}
}

// IsExpired checks if the credential has expired at now.
func (c *Credential) IsExpired(now time.Time) bool {
	return c.Token().Expired(now)
}

// RemainingTTL returns the time left at now, 0 once expired and -1 when the
// expiry is unknown.
func (c *Credential) RemainingTTL(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return -1
	}
	remaining := c.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShouldRefresh reports whether the credential expires within buffer of now.
func (c *Credential) ShouldRefresh(now time.Time, buffer time.Duration) bool {
	return c.IsExpired(now.Add(buffer))
}

func (c *Credential) ttlString(now time.Time) string {
	if c.ExpiresAt.IsZero() {
		return "never"
	}
	return helper.FormatTTL(c.RemainingTTL(now))
}
