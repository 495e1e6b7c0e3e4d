// Package challenge produces the PKCE material for the Nintendo Account
// browser login: a verifier, its S256 challenge, an opaque state and the
// authorize URL that embeds them.
package challenge

import (
	"encoding/base64"
	"fmt"
	"net/url"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"
)

const (
	AuthorizeURL = "https://accounts.nintendo.com/connect/1.0.0/authorize"
	ClientID     = "71b963c1b7b6d119"
	RedirectURI  = "npf71b963c1b7b6d119://auth"
	Scope        = "openid user user.birthday user.mii user.screenName"

	// stateBytes of entropy back the opaque state parameter.
	stateBytes = 36
)

// Pair is the material of a single login attempt. The verifier that built
// the URL must be the one redeemed with the returned code.
type Pair struct {
	Verifier  string
	Challenge string
	State     string
	URL       string
}

// New draws a fresh verifier and state and builds the login URL.
func New() (*Pair, error) {
	verifier := NewVerifier()
	state, err := NewState()
	if err != nil {
		return nil, err
	}
	return &Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		State:     state,
		URL:       LoginURL(verifier, state),
	}, nil
}

// NewVerifier returns 32 bytes of crypto/rand entropy, base64url without padding.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge is BASE64URL(SHA256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// NewState returns an opaque random state value.
func NewState() (string, error) {
	b, err := uuid.GenerateRandomBytes(stateBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// LoginURL builds the authorize URL for verifier and state. No network call.
func LoginURL(verifier, state string) string {
	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", RedirectURI)
	q.Set("client_id", ClientID)
	q.Set("scope", Scope)
	q.Set("response_type", "session_token_code")
	q.Set("session_token_code_challenge", Challenge(verifier))
	q.Set("session_token_code_challenge_method", "S256")
	q.Set("theme", "login_form")
	return AuthorizeURL + "?" + q.Encode()
}
