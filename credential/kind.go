package credential

import (
	"fmt"
	"time"

	"github.com/stephnangue/splatauth/nso"
)

// Kind identifies a credential in the identity chain.
type Kind int

const (
	SessionTokenVerifier Kind = iota
	SessionTokenCode
	SessionToken
	UserAccessToken
	IDToken
	FToken1
	FToken2
	WebServiceToken
	GameWebToken
	BulletToken
)

// Names are the keys used in token files and snapshots. session_token,
// gtoken and bullet_token are shared with other SplatNet 3 tools and must
// not change.
var kindNames = [...]string{
	SessionTokenVerifier: "session_token_verifier",
	SessionTokenCode:     "session_token_code",
	SessionToken:         "session_token",
	UserAccessToken:      "user_access_token",
	IDToken:              "id_token",
	FToken1:              "f_token_1",
	FToken2:              "f_token_2",
	WebServiceToken:      "web_service_token",
	GameWebToken:         "gtoken",
	BulletToken:          "bullet_token",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown credential kind %q", name)
}

// Kinds lists every kind in chain order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// SingleUse kinds are consumed by the step that follows them and never
// cached or persisted.
func (k Kind) SingleUse() bool {
	switch k {
	case SessionTokenVerifier, SessionTokenCode, FToken1, FToken2:
		return true
	}
	return false
}

// Persisted reports whether Save writes k.
func (k Kind) Persisted() bool {
	return !k.SingleUse() && k >= 0 && int(k) < len(kindNames)
}

// Parent is the kind k is derived from.
func (k Kind) Parent() (Kind, bool) {
	switch k {
	case SessionTokenCode:
		return SessionTokenVerifier, true
	case SessionToken:
		return SessionTokenCode, true
	case UserAccessToken, IDToken:
		return SessionToken, true
	case FToken1:
		return IDToken, true
	case WebServiceToken:
		return IDToken, true
	case FToken2:
		return WebServiceToken, true
	case GameWebToken:
		return WebServiceToken, true
	case BulletToken:
		return GameWebToken, true
	}
	return 0, false
}

// Descendants returns every cacheable kind derived, directly or not, from k.
func (k Kind) Descendants() []Kind {
	var out []Kind
	for _, d := range Kinds() {
		if d == k || d.SingleUse() {
			continue
		}
		for p, ok := d.Parent(); ok; p, ok = p.Parent() {
			if p == k {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// bound is the ancestor whose expiry caps k's. A bullet token is useless
// once its game web token lapses; everything else lives at most as long as
// the session token.
func (k Kind) bound() (Kind, bool) {
	switch k {
	case BulletToken:
		return GameWebToken, true
	case UserAccessToken, IDToken, WebServiceToken, GameWebToken:
		return SessionToken, true
	}
	return 0, false
}

// Lifetime is assumed for a value of kind k whose expiry is unknown, such as
// one loaded from the environment.
func (k Kind) Lifetime() time.Duration {
	switch k {
	case SessionToken:
		return nso.SessionTokenLifetime
	case UserAccessToken, IDToken:
		return nso.AccessTokenLifetime
	case WebServiceToken:
		return nso.WebServiceTokenLifetime
	case GameWebToken:
		return nso.GameWebTokenLifetime
	case BulletToken:
		return nso.BulletTokenLifetime
	}
	return 0
}
