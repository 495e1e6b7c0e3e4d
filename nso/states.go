package nso

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Stage names a position in the identity chain.
type Stage int

const (
	StageAwaitingLoginCode Stage = iota
	StageHaveSessionTokenCode
	StageHaveSessionToken
	StageHaveAccessCredentials
	StageHaveProfile
	StageHaveFirstFToken
	StageHaveWebServiceToken
	StageHaveSecondFToken
	StageHaveGameWebToken
	StageReady
)

var stageNames = [...]string{
	StageAwaitingLoginCode:     "awaiting_login_code",
	StageHaveSessionTokenCode:  "have_session_token_code",
	StageHaveSessionToken:      "have_session_token",
	StageHaveAccessCredentials: "have_access_credentials",
	StageHaveProfile:           "have_profile",
	StageHaveFirstFToken:       "have_first_f_token",
	StageHaveWebServiceToken:   "have_web_service_token",
	StageHaveSecondFToken:      "have_second_f_token",
	StageHaveGameWebToken:      "have_game_web_token",
	StageReady:                 "ready",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// State is one variant of the identity chain. The set is closed; every
// implementation lives in this file.
type State interface {
	Stage() Stage
	isState()
}

// Token is a minted credential with its lifetime.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether t is past its expiry at now. A zero ExpiresAt
// never expires.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Profile is the subset of the Nintendo Account the later steps echo back.
type Profile struct {
	NAID     string `mapstructure:"na_id" json:"id"`
	Language string `mapstructure:"language" json:"language"`
	Country  string `mapstructure:"country" json:"country"`
	Birthday string `mapstructure:"birthday" json:"birthday"`
}

// FToken is one signed attestation. It is single-use.
type FToken struct {
	Value     string
	RequestID string
	Timestamp int64
}

// AwaitingLoginCode waits for the user to finish the browser login.
type AwaitingLoginCode struct {
	Verifier string
	State    string
	URL      string
}

// HaveSessionTokenCode holds the single-use code from the redirect.
type HaveSessionTokenCode struct {
	Verifier string
	Code     string
}

type HaveSessionToken struct {
	SessionToken Token
}

// HaveAccessCredentials holds both tokens returned by one /api/token call.
type HaveAccessCredentials struct {
	SessionToken    Token
	UserAccessToken Token
	IDToken         Token
}

type HaveProfile struct {
	IDToken Token
	Profile Profile
}

type HaveFirstFToken struct {
	IDToken Token
	Profile Profile
	FToken  FToken
}

type HaveWebServiceToken struct {
	Profile         Profile
	WebServiceToken Token
	CoralUserID     string
}

type HaveSecondFToken struct {
	Profile         Profile
	WebServiceToken Token
	CoralUserID     string
	FToken          FToken
}

type HaveGameWebToken struct {
	Profile      Profile
	GameWebToken Token
}

// Ready is terminal.
type Ready struct {
	Profile      Profile
	GameWebToken Token
	BulletToken  Token
}

func (AwaitingLoginCode) Stage() Stage     { return StageAwaitingLoginCode }
func (HaveSessionTokenCode) Stage() Stage  { return StageHaveSessionTokenCode }
func (HaveSessionToken) Stage() Stage      { return StageHaveSessionToken }
func (HaveAccessCredentials) Stage() Stage { return StageHaveAccessCredentials }
func (HaveProfile) Stage() Stage           { return StageHaveProfile }
func (HaveFirstFToken) Stage() Stage       { return StageHaveFirstFToken }
func (HaveWebServiceToken) Stage() Stage   { return StageHaveWebServiceToken }
func (HaveSecondFToken) Stage() Stage      { return StageHaveSecondFToken }
func (HaveGameWebToken) Stage() Stage      { return StageHaveGameWebToken }
func (Ready) Stage() Stage                 { return StageReady }

func (AwaitingLoginCode) isState()     {}
func (HaveSessionTokenCode) isState()  {}
func (HaveSessionToken) isState()      {}
func (HaveAccessCredentials) isState() {}
func (HaveProfile) isState()           {}
func (HaveFirstFToken) isState()       {}
func (HaveWebServiceToken) isState()   {}
func (HaveSecondFToken) isState()      {}
func (HaveGameWebToken) isState()      {}
func (Ready) isState()                 {}

// Redeem extracts the session token code from the redirect the browser was
// sent to after login. A state that differs from the one in the login URL
// is rejected before the code is spent. It makes no network call.
func (s AwaitingLoginCode) Redeem(redirectURL string) (HaveSessionTokenCode, error) {
	code, state, err := parseRedirect(redirectURL)
	if err == nil && state != "" && s.State != "" && state != s.State {
		err = fmt.Errorf("%w: state does not match the login attempt", ErrMalformedRedirect)
	}
	if err != nil {
		return HaveSessionTokenCode{}, &StepError{Stage: StageAwaitingLoginCode, Err: err}
	}
	return HaveSessionTokenCode{Verifier: s.Verifier, Code: code}, nil
}

// parseRedirect accepts the code in the fragment, where Nintendo puts it,
// or in the query. The state travels next to the code.
func parseRedirect(raw string) (code, state string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrMalformedRedirect, err)
	}
	if !strings.EqualFold(u.Scheme, RedirectScheme) {
		return "", "", fmt.Errorf("%w: unexpected scheme %q", ErrMalformedRedirect, u.Scheme)
	}
	for _, raw := range []string{u.Fragment, u.RawQuery} {
		if raw == "" {
			continue
		}
		values, err := url.ParseQuery(raw)
		if err != nil {
			continue
		}
		if code := values.Get("session_token_code"); code != "" {
			return code, values.Get("state"), nil
		}
	}
	return "", "", fmt.Errorf("%w: no session_token_code parameter", ErrMalformedRedirect)
}
