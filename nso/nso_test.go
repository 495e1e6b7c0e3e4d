package nso_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stephnangue/splatauth/challenge"
	"github.com/stephnangue/splatauth/ftoken"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/internal/nsotest"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() helper.HTTPRetryConfig {
	cfg := helper.DefaultHTTPRetryConfig()
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 2 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

type fixture struct {
	srv          *nsotest.Server
	client       *nso.Client
	versions     *nso.VersionResolver
	webViewCalls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{srv: nsotest.New(t)}

	provider, err := ftoken.NewHTTPProvider(ftoken.HTTPProviderConfig{
		URLs:  []string{f.srv.FTokenURL()},
		Retry: fastRetry(),
	})
	require.NoError(t, err)

	f.versions, err = nso.NewVersionResolver(nso.VersionResolverConfig{
		AppStoreURL: f.srv.Endpoints().AppStore,
		HTTPClient:  helper.NewHTTPClient(nil, fastRetry(), nil),
		WebView: func(context.Context) (string, error) {
			f.webViewCalls.Add(1)
			return f.srv.WebViewVersion, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(f.versions.Close)

	f.client, err = nso.NewClient(nso.Config{
		Endpoints: f.srv.Endpoints(),
		FToken:    provider,
		Versions:  f.versions,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	t.Cleanup(f.client.Close)
	return f
}

func TestAwaitingLoginCode_Redeem(t *testing.T) {
	st := nso.AwaitingLoginCode{Verifier: "verifier", State: "state"}

	tests := []struct {
		name     string
		redirect string
		wantCode string
	}{
		{"fragment", "npf71b963c1b7b6d119://auth#state=state&session_token_code=abc&session_state=x", "abc"},
		{"query", "npf71b963c1b7b6d119://auth?session_token_code=def", "def"},
		{"other login attempt", "npf71b963c1b7b6d119://auth#state=other&session_token_code=abc", ""},
		{"surrounding whitespace", "  npf71b963c1b7b6d119://auth#session_token_code=ghi\n", "ghi"},
		{"wrong scheme", "https://auth#session_token_code=abc", ""},
		{"missing code", "npf71b963c1b7b6d119://auth#state=s", ""},
		{"empty", "", ""},
		{"not a url", "npf71b963c1b7b6d119://%zz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := st.Redeem(tt.redirect)
			if tt.wantCode == "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, nso.ErrMalformedRedirect)
				stage, ok := nso.StageOf(err)
				require.True(t, ok)
				assert.Equal(t, nso.StageAwaitingLoginCode, stage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, next.Code)
			assert.Equal(t, "verifier", next.Verifier, "the verifier that built the URL is carried forward")
		})
	}
}

func TestClient_BeginLogin(t *testing.T) {
	f := newFixture(t)

	st, err := f.client.BeginLogin()
	require.NoError(t, err)
	assert.NotEmpty(t, st.Verifier)
	assert.NotEmpty(t, st.State)
	assert.Contains(t, st.URL, "session_token_code_challenge="+challenge.Challenge(st.Verifier))
	assert.Equal(t, nso.StageAwaitingLoginCode, st.Stage())
}

func TestClient_FullLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.client.BeginLogin()
	require.NoError(t, err)
	code, err := st.Redeem(nsotest.RedirectURL(f.srv.SessionTokenCode, st.State))
	require.NoError(t, err)

	ready, err := f.client.Run(ctx, code)
	require.NoError(t, err)

	assert.Equal(t, "bullet-1", ready.BulletToken.Value)
	assert.Equal(t, "gtoken-1", ready.GameWebToken.Value)
	assert.Equal(t, f.srv.Profile, ready.Profile)
	assert.Equal(t, append([]string{nsotest.SessionToken}, nsotest.ChainOrder...), f.srv.Order())
}

func TestClient_StepByStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var s nso.State = nso.HaveSessionToken{SessionToken: nso.Token{Value: f.srv.SessionTokenOut}}
	var stages []nso.Stage
	for s.Stage() != nso.StageReady {
		next, err := f.client.Advance(ctx, s)
		require.NoError(t, err, "advancing %s", s.Stage())
		stages = append(stages, next.Stage())
		s = next
	}

	assert.Equal(t, []nso.Stage{
		nso.StageHaveAccessCredentials,
		nso.StageHaveProfile,
		nso.StageHaveFirstFToken,
		nso.StageHaveWebServiceToken,
		nso.StageHaveSecondFToken,
		nso.StageHaveGameWebToken,
		nso.StageReady,
	}, stages)
	assert.Equal(t, nsotest.ChainOrder, f.srv.Order())

	ready := s.(nso.Ready)
	assert.Equal(t, "bullet-1", ready.BulletToken.Value)
	assert.WithinDuration(t, time.Now().Add(nso.BulletTokenLifetime), ready.BulletToken.ExpiresAt, time.Minute)
}

func TestClient_IntermediateStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creds, err := f.client.AccessCredentials(ctx, nso.HaveSessionToken{SessionToken: nso.Token{Value: f.srv.SessionTokenOut}})
	require.NoError(t, err)
	assert.Equal(t, "access-1", creds.UserAccessToken.Value)
	assert.Equal(t, "id-1", creds.IDToken.Value)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), creds.IDToken.ExpiresAt, time.Minute)

	profile, err := f.client.Profile(ctx, creds)
	require.NoError(t, err)
	first, err := f.client.FirstFToken(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, "f1:id-1", first.FToken.Value)
	assert.Equal(t, int64(1700000000000), first.FToken.Timestamp)

	wst, err := f.client.WebServiceToken(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "wst-1", wst.WebServiceToken.Value)
	assert.Equal(t, "5858585858585858", wst.CoralUserID)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), wst.WebServiceToken.ExpiresAt, time.Minute)
}

func TestClient_StaleSessionTokenCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.SessionToken(context.Background(), nso.HaveSessionTokenCode{Verifier: "v", Code: "already-used"})
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)

	var stepErr *nso.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, nso.StageHaveSessionTokenCode, stepErr.Stage)
	assert.Equal(t, http.StatusBadRequest, stepErr.StatusCode)
	assert.Equal(t, 1, f.srv.Calls(nsotest.SessionToken), "rejections are not retried")
}

func TestClient_RevokedSessionToken(t *testing.T) {
	f := newFixture(t)
	f.srv.Revoke(nsotest.KindSessionToken)

	_, err := f.client.Run(context.Background(), nso.HaveSessionToken{SessionToken: nso.Token{Value: f.srv.SessionTokenOut}})
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)
	stage, _ := nso.StageOf(err)
	assert.Equal(t, nso.StageHaveSessionToken, stage)
	assert.Equal(t, []string{nsotest.Token}, f.srv.Order(), "the first failure stops the chain")
}

func TestClient_TransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantErr   error
		wantCalls int
	}{
		{"recovers after one bad gateway", []int{http.StatusBadGateway}, nil, 2},
		{"recovers after rate limiting", []int{http.StatusTooManyRequests}, nil, 2},
		{"exhausts retries", []int{503, 503, 503}, nso.ErrUpstreamUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.FailNext(nsotest.Token, tt.statuses...)

			_, err := f.client.AccessCredentials(context.Background(),
				nso.HaveSessionToken{SessionToken: nso.Token{Value: f.srv.SessionTokenOut}})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, nso.ErrTokenExchangeRejected)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, f.srv.Calls(nsotest.Token))
		})
	}
}

func TestClient_CoralRejection(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.WebServiceToken(context.Background(), nso.HaveFirstFToken{
		IDToken: nso.Token{Value: "id-never-issued"},
		Profile: f.srv.Profile,
		FToken:  nso.FToken{Value: "f1:id-never-issued", RequestID: "r", Timestamp: 1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)
	assert.Contains(t, err.Error(), "9403")
}

func TestClient_FTokenProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(nsotest.FToken1, 500, 500, 500)

	_, err := f.client.FirstFToken(context.Background(), nso.HaveProfile{
		IDToken: nso.Token{Value: "id-1"},
		Profile: f.srv.Profile,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, ftoken.ErrUnavailable)
}

func TestClient_UserSuppliedFTokenProvider(t *testing.T) {
	srv := nsotest.New(t)
	var calls atomic.Int32
	provider := ftoken.ProviderFunc(func(_ context.Context, req ftoken.Request) (*ftoken.Result, error) {
		calls.Add(1)
		return &ftoken.Result{F: fmt.Sprintf("f%d:%s", int(req.Step), req.Token), RequestID: "mine", Timestamp: 42}, nil
	})

	client, err := nso.NewClient(nso.Config{
		Endpoints: srv.Endpoints(),
		FToken:    provider,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	defer client.Close()

	ready, err := client.Run(context.Background(), nso.HaveSessionToken{SessionToken: nso.Token{Value: srv.SessionTokenOut}})
	// the client's own resolver has no web view source, so the last step fails
	require.Error(t, err)
	assert.Empty(t, ready.BulletToken.Value)
	assert.ErrorIs(t, err, nso.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, srv.Calls(nsotest.FToken1))
	assert.Equal(t, 1, srv.Calls(nsotest.WebServiceToken))
	assert.Equal(t, 0, srv.Calls(nsotest.BulletToken))
}

func TestClient_BulletTokenStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantExtra error
	}{
		{"invalid game web token", http.StatusUnauthorized, nil},
		{"obsolete web view version", http.StatusForbidden, nso.ErrObsoleteVersion},
		{"user not registered", http.StatusNoContent, nso.ErrNotRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Seed(nsotest.KindGameWebToken, "gtoken-seeded")
			f.srv.FailNext(nsotest.BulletToken, tt.status)

			_, err := f.client.BulletToken(context.Background(), nso.HaveGameWebToken{
				Profile:      f.srv.Profile,
				GameWebToken: nso.Token{Value: "gtoken-seeded"},
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)
			if tt.wantExtra != nil {
				assert.ErrorIs(t, err, tt.wantExtra)
			}
			var stepErr *nso.StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, tt.status, stepErr.StatusCode)
			assert.Equal(t, 1, f.srv.Calls(nsotest.BulletToken))
		})
	}
}

func TestClient_ObsoleteVersionIsForgotten(t *testing.T) {
	f := newFixture(t)
	f.srv.Seed(nsotest.KindGameWebToken, "gtoken-seeded")
	st := nso.HaveGameWebToken{Profile: f.srv.Profile, GameWebToken: nso.Token{Value: "gtoken-seeded"}}

	_, err := f.client.BulletToken(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.webViewCalls.Load())

	f.srv.FailNext(nsotest.BulletToken, http.StatusForbidden)
	_, err = f.client.BulletToken(context.Background(), st)
	require.ErrorIs(t, err, nso.ErrObsoleteVersion)

	_, err = f.client.BulletToken(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.webViewCalls.Load(), "the version is looked up again after a 403")
}

func TestClient_AdvanceTerminalStates(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Advance(context.Background(), nso.AwaitingLoginCode{})
	assert.ErrorIs(t, err, nso.ErrLoginRequired)

	_, err = f.client.Advance(context.Background(), nso.Ready{})
	assert.ErrorIs(t, err, nso.ErrChainComplete)

	ready, err := f.client.Run(context.Background(), nso.Ready{BulletToken: nso.Token{Value: "b"}})
	require.NoError(t, err)
	assert.Equal(t, "b", ready.BulletToken.Value)
}

func TestNewClient_RequiresProvider(t *testing.T) {
	_, err := nso.NewClient(nso.Config{})
	require.Error(t, err)
}

func TestVersionResolver_AppVersion(t *testing.T) {
	t.Run("scraped and cached", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		assert.Equal(t, "2.10.1", f.versions.AppVersion(ctx))
		assert.Equal(t, "2.10.1", f.versions.AppVersion(ctx))
		assert.Equal(t, 1, f.srv.Calls(nsotest.AppStore))
	})

	t.Run("fallback when the store fails", func(t *testing.T) {
		srv := nsotest.New(t)
		srv.FailNext(nsotest.AppStore, http.StatusNotFound)
		v, err := nso.NewVersionResolver(nso.VersionResolverConfig{
			AppStoreURL: srv.Endpoints().AppStore,
			HTTPClient:  helper.NewHTTPClient(nil, fastRetry(), nil),
		})
		require.NoError(t, err)
		defer v.Close()

		assert.Equal(t, nso.FallbackAppVersion, v.AppVersion(context.Background()))
		assert.Equal(t, nso.FallbackAppVersion, v.AppVersion(context.Background()))
		assert.Equal(t, 1, srv.Calls(nsotest.AppStore), "the fallback is cached too")
	})

	t.Run("pinned", func(t *testing.T) {
		srv := nsotest.New(t)
		v, err := nso.NewVersionResolver(nso.VersionResolverConfig{
			AppStoreURL:    srv.Endpoints().AppStore,
			AppVersion:     "9.9.9",
			WebViewVersion: "pinned-web",
		})
		require.NoError(t, err)
		defer v.Close()

		assert.Equal(t, "9.9.9", v.AppVersion(context.Background()))
		web, err := v.WebViewVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "pinned-web", web)
		assert.Equal(t, 0, srv.Calls(nsotest.AppStore))
	})
}

func TestVersionResolver_Caches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, "2.10.1", f.versions.AppVersion(ctx))
		web, err := f.versions.WebViewVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, f.srv.WebViewVersion, web)
	}
	assert.Equal(t, 1, f.srv.Calls(nsotest.AppStore))
	assert.Equal(t, int32(1), f.webViewCalls.Load())

	f.versions.ForgetWebViewVersion()
	_, err := f.versions.WebViewVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.webViewCalls.Load())
	assert.Equal(t, 1, f.srv.Calls(nsotest.AppStore), "forgetting the web view version keeps the app version")
}

func TestClient_ChainScrapesAppStoreOnce(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Run(context.Background(), nso.HaveSessionToken{
		SessionToken: nso.Token{Value: f.srv.SessionTokenOut},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.srv.Calls(nsotest.AppStore))
	assert.Equal(t, int32(1), f.webViewCalls.Load())
}

func TestVersionResolver_WebViewVersionErrors(t *testing.T) {
	v, err := nso.NewVersionResolver(nso.VersionResolverConfig{
		WebView: func(context.Context) (string, error) { return "", errors.New("reference down") },
	})
	require.NoError(t, err)
	defer v.Close()

	_, err = v.WebViewVersion(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reference down")
}

func TestTokenFromValue(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("jwt exp wins", func(t *testing.T) {
		exp := now.Add(3 * time.Hour).Truncate(time.Second)
		iat := now.Add(-time.Hour).Truncate(time.Second)
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(iat),
		}).SignedString([]byte("test-key"))
		require.NoError(t, err)

		tok := nso.TokenFromValue(signed, now, nso.GameWebTokenLifetime)
		assert.True(t, exp.Equal(tok.ExpiresAt))
		assert.True(t, iat.Equal(tok.IssuedAt))
	})

	t.Run("opaque value uses fallback", func(t *testing.T) {
		tok := nso.TokenFromValue("bullet-opaque", now, nso.BulletTokenLifetime)
		assert.Equal(t, now.Add(2*time.Hour), tok.ExpiresAt)
		assert.False(t, tok.Expired(now))
		assert.True(t, tok.Expired(now.Add(2*time.Hour)))
	})

	t.Run("no fallback never expires", func(t *testing.T) {
		tok := nso.TokenFromValue("x", now, 0)
		assert.True(t, tok.ExpiresAt.IsZero())
		assert.False(t, tok.Expired(now.Add(100*365*24*time.Hour)))
	})
}

func TestNormalizeProfile(t *testing.T) {
	p := nso.NormalizeProfile(nso.Profile{NAID: "n", Language: "en-us", Country: " us ", Birthday: "2000-02-02"})
	assert.Equal(t, "en-US", p.Language)
	assert.Equal(t, "US", p.Country)

	raw := nso.NormalizeProfile(nso.Profile{Language: "not a tag!"})
	assert.Equal(t, "not a tag!", raw.Language)
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "ready", nso.StageReady.String())
	assert.True(t, strings.HasPrefix(nso.Stage(99).String(), "stage("))
}
