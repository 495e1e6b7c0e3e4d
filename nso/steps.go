package nso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stephnangue/splatauth/challenge"
	"github.com/stephnangue/splatauth/ftoken"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
	"golang.org/x/text/language"
)

// SessionToken redeems the single-use code. A rejected code is never
// retried; the login has to start over.
func (c *Client) SessionToken(ctx context.Context, s HaveSessionTokenCode) (HaveSessionToken, error) {
	stage := s.Stage()
	form := url.Values{}
	form.Set("client_id", challenge.ClientID)
	form.Set("session_token_code", s.Code)
	form.Set("session_token_code_verifier", s.Verifier)

	var out struct {
		SessionToken string `json:"session_token"`
	}
	err := c.exchange(ctx, stage, helper.HTTPRequest{
		Method: http.MethodPost,
		URL:    c.endpoints.sessionTokenURL(),
		Body:   []byte(form.Encode()),
		Headers: map[string]string{
			"User-Agent":      "OnlineLounge/" + c.versions.AppVersion(ctx) + " NASDKAPI Android",
			"Accept-Language": "en-US",
			"Accept":          "application/json",
			"Content-Type":    "application/x-www-form-urlencoded",
		},
	}, &out)
	if err != nil {
		return HaveSessionToken{}, err
	}
	if out.SessionToken == "" {
		return HaveSessionToken{}, malformed(stage, "missing session_token")
	}

	c.logger.Info("session token obtained", logger.Secret("session_token", out.SessionToken))
	return HaveSessionToken{
		SessionToken: newToken(out.SessionToken, c.now(), 0, SessionTokenLifetime),
	}, nil
}

// AccessCredentials trades the session token for the user access token and
// the id token, both returned by one call.
func (c *Client) AccessCredentials(ctx context.Context, s HaveSessionToken) (HaveAccessCredentials, error) {
	stage := s.Stage()
	body, err := json.Marshal(map[string]string{
		"client_id":     challenge.ClientID,
		"session_token": s.SessionToken.Value,
		"grant_type":    tokenGrantType,
	})
	if err != nil {
		return HaveAccessCredentials{}, err
	}

	var out struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err = c.exchange(ctx, stage, helper.HTTPRequest{
		Method: http.MethodPost,
		URL:    c.endpoints.tokenURL(),
		Body:   body,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
			"User-Agent":   accountsUserAgent,
		},
	}, &out)
	if err != nil {
		return HaveAccessCredentials{}, err
	}
	if out.AccessToken == "" || out.IDToken == "" {
		return HaveAccessCredentials{}, malformed(stage, "missing access_token or id_token")
	}

	now := c.now()
	return HaveAccessCredentials{
		SessionToken:    s.SessionToken,
		UserAccessToken: newToken(out.AccessToken, now, out.ExpiresIn, AccessTokenLifetime),
		IDToken:         newToken(out.IDToken, now, out.ExpiresIn, AccessTokenLifetime),
	}, nil
}

// Profile fetches the account fields later steps echo back.
func (c *Client) Profile(ctx context.Context, s HaveAccessCredentials) (HaveProfile, error) {
	stage := s.Stage()
	var out Profile
	err := c.exchange(ctx, stage, helper.HTTPRequest{
		Method: http.MethodGet,
		URL:    c.endpoints.userInfoURL(),
		Headers: map[string]string{
			"User-Agent":    userInfoUserAgent,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
			"Authorization": "Bearer " + s.UserAccessToken.Value,
		},
	}, &out)
	if err != nil {
		return HaveProfile{}, err
	}
	if out.NAID == "" || out.Language == "" || out.Country == "" {
		return HaveProfile{}, malformed(stage, "profile lacks id, language or country")
	}

	return HaveProfile{IDToken: s.IDToken, Profile: NormalizeProfile(out)}, nil
}

// FirstFToken signs the id token.
func (c *Client) FirstFToken(ctx context.Context, s HaveProfile) (HaveFirstFToken, error) {
	f, err := c.sign(ctx, s.Stage(), ftoken.Request{
		Step:  ftoken.HashMethodIDToken,
		Token: s.IDToken.Value,
		NAID:  s.Profile.NAID,
	})
	if err != nil {
		return HaveFirstFToken{}, err
	}
	return HaveFirstFToken{IDToken: s.IDToken, Profile: s.Profile, FToken: f}, nil
}

type coralResponse struct {
	Status       int             `json:"status"`
	ErrorMessage string          `json:"errorMessage"`
	Result       json.RawMessage `json:"result"`
}

// coral decodes the Coral envelope. Coral reports most failures with HTTP
// 200 and a non-zero status.
func (c *Client) coral(ctx context.Context, stage Stage, req helper.HTTPRequest, out interface{}) error {
	var env coralResponse
	if err := c.exchange(ctx, stage, req, &env); err != nil {
		return err
	}
	if env.Status != 0 {
		return rejected(stage, "coral status %d: %s", env.Status, env.ErrorMessage)
	}
	if len(env.Result) == 0 {
		return malformed(stage, "missing result")
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return malformed(stage, "%v", err)
	}
	return nil
}

// WebServiceToken logs in to Coral with the first f value.
func (c *Client) WebServiceToken(ctx context.Context, s HaveFirstFToken) (HaveWebServiceToken, error) {
	stage := s.Stage()
	body, err := json.Marshal(map[string]interface{}{
		"parameter": map[string]interface{}{
			"f":          s.FToken.Value,
			"language":   s.Profile.Language,
			"naBirthday": s.Profile.Birthday,
			"naCountry":  s.Profile.Country,
			"naIdToken":  s.IDToken.Value,
			"requestId":  s.FToken.RequestID,
			"timestamp":  s.FToken.Timestamp,
		},
	})
	if err != nil {
		return HaveWebServiceToken{}, err
	}

	var out struct {
		User struct {
			ID json.Number `json:"id"`
		} `json:"user"`
		Credential struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		} `json:"webApiServerCredential"`
	}
	err = c.coral(ctx, stage, helper.HTTPRequest{
		Method:  http.MethodPost,
		URL:     c.endpoints.loginURL(),
		Body:    body,
		Headers: c.coralHeaders(ctx),
	}, &out)
	if err != nil {
		return HaveWebServiceToken{}, err
	}
	if out.Credential.AccessToken == "" || out.User.ID == "" {
		return HaveWebServiceToken{}, malformed(stage, "missing web service credential or user id")
	}

	return HaveWebServiceToken{
		Profile:         s.Profile,
		WebServiceToken: newToken(out.Credential.AccessToken, c.now(), out.Credential.ExpiresIn, WebServiceTokenLifetime),
		CoralUserID:     out.User.ID.String(),
	}, nil
}

// SecondFToken signs the web service token.
func (c *Client) SecondFToken(ctx context.Context, s HaveWebServiceToken) (HaveSecondFToken, error) {
	f, err := c.sign(ctx, s.Stage(), ftoken.Request{
		Step:        ftoken.HashMethodWebServiceToken,
		Token:       s.WebServiceToken.Value,
		NAID:        s.Profile.NAID,
		CoralUserID: s.CoralUserID,
	})
	if err != nil {
		return HaveSecondFToken{}, err
	}
	return HaveSecondFToken{
		Profile:         s.Profile,
		WebServiceToken: s.WebServiceToken,
		CoralUserID:     s.CoralUserID,
		FToken:          f,
	}, nil
}

// GameWebToken asks Coral for the SplatNet 3 game web token.
func (c *Client) GameWebToken(ctx context.Context, s HaveSecondFToken) (HaveGameWebToken, error) {
	stage := s.Stage()
	body, err := json.Marshal(map[string]interface{}{
		"parameter": map[string]interface{}{
			"f":                 s.FToken.Value,
			"id":                GameID,
			"registrationToken": s.WebServiceToken.Value,
			"requestId":         s.FToken.RequestID,
			"timestamp":         s.FToken.Timestamp,
		},
	})
	if err != nil {
		return HaveGameWebToken{}, err
	}

	headers := c.coralHeaders(ctx)
	headers["Authorization"] = "Bearer " + s.WebServiceToken.Value

	var out struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	}
	err = c.coral(ctx, stage, helper.HTTPRequest{
		Method:  http.MethodPost,
		URL:     c.endpoints.webServiceTokenURL(),
		Body:    body,
		Headers: headers,
	}, &out)
	if err != nil {
		return HaveGameWebToken{}, err
	}
	if out.AccessToken == "" {
		return HaveGameWebToken{}, malformed(stage, "missing accessToken")
	}

	return HaveGameWebToken{
		Profile:      s.Profile,
		GameWebToken: newToken(out.AccessToken, c.now(), out.ExpiresIn, GameWebTokenLifetime),
	}, nil
}

// BulletToken mints the SplatNet 3 bearer token from the game web token.
func (c *Client) BulletToken(ctx context.Context, s HaveGameWebToken) (Ready, error) {
	stage := s.Stage()
	webView, err := c.versions.WebViewVersion(ctx)
	if err != nil {
		return Ready{}, &StepError{Stage: stage, Err: fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)}
	}

	resp, err := c.http.Do(ctx, helper.HTTPRequest{
		Method: http.MethodPost,
		URL:    c.endpoints.bulletTokenURL(),
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"Accept-Language":  s.Profile.Language,
			"User-Agent":       c.userAgent,
			"X-Web-View-Ver":   webView,
			"X-NACOUNTRY":      s.Profile.Country,
			"Accept":           "*/*",
			"Origin":           c.endpoints.SplatNet,
			"X-Requested-With": "com.nintendo.znca",
		},
		Cookies: []*http.Cookie{
			{Name: "_gtoken", Value: s.GameWebToken.Value},
			{Name: "_dnt", Value: "1"},
		},
		OKStatuses: []int{http.StatusOK, http.StatusCreated},
	})
	if err != nil {
		switch helper.StatusCode(err) {
		case http.StatusForbidden:
			c.versions.ForgetWebViewVersion()
			return Ready{}, transportError(stage, err, ErrObsoleteVersion)
		case http.StatusNoContent:
			return Ready{}, transportError(stage, err, ErrNotRegistered)
		}
		return Ready{}, transportError(stage, err)
	}

	var out struct {
		BulletToken string `json:"bulletToken"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Ready{}, malformed(stage, "%v", err)
	}
	if out.BulletToken == "" {
		return Ready{}, malformed(stage, "missing bulletToken")
	}

	c.logger.Debug("bullet token obtained", logger.Secret("bullet_token", out.BulletToken))
	return Ready{
		Profile:      s.Profile,
		GameWebToken: s.GameWebToken,
		BulletToken:  newToken(out.BulletToken, c.now(), 0, BulletTokenLifetime),
	}, nil
}

func (c *Client) sign(ctx context.Context, stage Stage, req ftoken.Request) (FToken, error) {
	res, err := c.ftoken.FToken(ctx, req)
	if err != nil {
		kind := ErrUpstreamUnavailable
		if errors.Is(err, ftoken.ErrInvalidRequest) {
			kind = ErrTokenExchangeRejected
		}
		return FToken{}, &StepError{Stage: stage, Err: fmt.Errorf("%w: %w", kind, err)}
	}
	if res == nil || res.F == "" {
		return FToken{}, malformed(stage, "f-token provider returned no value")
	}
	return FToken{Value: res.F, RequestID: res.RequestID, Timestamp: res.Timestamp}, nil
}

// NormalizeProfile canonicalises the language tag and upper-cases the
// country, so the values match what SplatNet expects in its headers.
func NormalizeProfile(p Profile) Profile {
	if tag, err := language.Parse(p.Language); err == nil {
		p.Language = tag.String()
	}
	p.Country = strings.ToUpper(strings.TrimSpace(p.Country))
	return p
}
