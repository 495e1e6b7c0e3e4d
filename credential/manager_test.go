package credential

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/stephnangue/splatauth/ftoken"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/internal/nsotest"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/physical"
	"github.com/stephnangue/splatauth/physical/file"
	"github.com/stephnangue/splatauth/physical/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu       sync.Mutex
	counters map[string]float32
}

func (s *recordingSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]float32)
	}
	name := strings.Join(key, ".")
	for _, l := range labels {
		name += ";" + l.Name + "=" + l.Value
	}
	s.counters[name] += val
}

func (s *recordingSink) MeasureSinceWithLabels([]string, time.Time, []metrics.Label) {}

func (s *recordingSink) count(name string) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	srv    *nsotest.Server
	client *nso.Client
	clock  *testClock
	sink   *recordingSink
}

func fastRetry() helper.HTTPRetryConfig {
	cfg := helper.DefaultHTTPRetryConfig()
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = 2 * time.Millisecond
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		srv:   nsotest.New(t),
		clock: &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		sink:  &recordingSink{},
	}

	provider, err := ftoken.NewHTTPProvider(ftoken.HTTPProviderConfig{
		URLs:  []string{f.srv.FTokenURL()},
		Retry: fastRetry(),
	})
	require.NoError(t, err)

	versions, err := nso.NewVersionResolver(nso.VersionResolverConfig{
		AppStoreURL: f.srv.Endpoints().AppStore,
		HTTPClient:  helper.NewHTTPClient(nil, fastRetry(), nil),
		WebView: func(context.Context) (string, error) {
			return f.srv.WebViewVersion, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(versions.Close)

	f.client, err = nso.NewClient(nso.Config{
		Endpoints: f.srv.Endpoints(),
		FToken:    provider,
		Versions:  versions,
		Retry:     fastRetry(),
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(f.client.Close)
	return f
}

func (f *fixture) options() Options {
	return Options{Metrics: f.sink, Now: f.clock.Now}
}

// loggedIn returns a manager holding only the server's valid session token.
func (f *fixture) loggedIn(t *testing.T) *Manager {
	t.Helper()
	m, err := FromSessionToken(f.client, f.srv.SessionTokenOut, f.options())
	require.NoError(t, err)
	return m
}

// ready returns a manager that already walked the whole chain once.
func (f *fixture) ready(t *testing.T) *Manager {
	t.Helper()
	m := f.loggedIn(t)
	_, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	f.srv.ResetCalls()
	return m
}

func orderOf(endpoints ...string) []string { return endpoints }

// =============================================================================
// Derivation
// =============================================================================

func TestManager_DerivesWholeChain(t *testing.T) {
	f := newFixture(t)
	m := f.loggedIn(t)

	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-1", bullet)
	assert.Equal(t, nsotest.ChainOrder, f.srv.Order())

	for _, k := range []Kind{UserAccessToken, IDToken, WebServiceToken, GameWebToken} {
		_, ok := m.Store().Valid(k, f.clock.Now(), DefaultRefreshBuffer)
		assert.True(t, ok, "%s should be cached", k)
	}
	wst, _ := m.Store().Get(WebServiceToken)
	assert.NotEmpty(t, wst.Aux[AuxCoralUserID])

	p, err := m.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.srv.Profile.NAID, p.NAID)
}

func TestManager_GetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	for i := 0; i < 3; i++ {
		bullet, err := m.Get(context.Background(), BulletToken)
		require.NoError(t, err)
		assert.Equal(t, "bullet-1", bullet)
	}
	assert.Empty(t, f.srv.Order(), "valid credentials must not hit the upstream")
	assert.Equal(t, float32(3), f.sink.count("credential.cache_hit;kind=bullet_token"))
}

func TestManager_ConcurrentGetSharesOneChain(t *testing.T) {
	f := newFixture(t)
	m := f.loggedIn(t)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = m.Get(context.Background(), BulletToken)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "bullet-1", results[i])
	}
	for _, endpoint := range nsotest.ChainOrder {
		assert.Equal(t, 1, f.srv.Calls(endpoint), endpoint)
	}
}

func TestManager_CancelledCallerDoesNotFailSharers(t *testing.T) {
	f := newFixture(t)

	oracle, err := ftoken.NewHTTPProvider(ftoken.HTTPProviderConfig{
		URLs:  []string{f.srv.FTokenURL()},
		Retry: fastRetry(),
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gated := ftoken.ProviderFunc(func(ctx context.Context, req ftoken.Request) (*ftoken.Result, error) {
		if req.Step == ftoken.HashMethodIDToken {
			once.Do(func() { close(entered) })
			<-release
		}
		return oracle.FToken(ctx, req)
	})

	client, err := nso.NewClient(nso.Config{
		Endpoints: f.srv.Endpoints(),
		FToken:    gated,
		Versions:  f.client.Versions(),
		Retry:     fastRetry(),
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	m, err := FromSessionToken(client, f.srv.SessionTokenOut, f.options())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := m.Get(ctx, BulletToken)
		first <- err
	}()
	<-entered

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan string, 1)
	go func() {
		bullet, err := m.Get(context.Background(), BulletToken)
		assert.NoError(t, err)
		second <- bullet
	}()
	// let the second caller join the exchange still in flight
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Equal(t, "bullet-1", <-second)
	assert.Equal(t, 1, f.srv.Calls(nsotest.FToken1))
	assert.Equal(t, 1, f.srv.Issued(nsotest.KindBulletToken))
}

func TestManager_RederivesOnlyExpiredSuffix(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	past := f.clock.Now().Add(-time.Minute)
	gwt, _ := m.Store().Get(GameWebToken)
	gwt.ExpiresAt = past
	_, err := m.Store().Put(gwt)
	require.NoError(t, err)
	bullet, _ := m.Store().Get(BulletToken)
	bullet.ExpiresAt = past
	_, err = m.Store().Put(bullet)
	require.NoError(t, err)

	value, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-2", value)
	assert.Equal(t, orderOf(nsotest.FToken2, nsotest.WebServiceToken, nsotest.BulletToken), f.srv.Order())
}

func TestManager_RefreshBuffer(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	// the bullet token lives two hours; inside the last minute it is renewed
	f.clock.Advance(2*time.Hour - 30*time.Second)
	_, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Contains(t, f.srv.Order(), nsotest.BulletToken)
}

func TestManager_Validate(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	require.NoError(t, m.Validate(context.Background()))
	assert.Empty(t, f.srv.Order())

	f.clock.Advance(3 * time.Hour)
	require.NoError(t, m.Validate(context.Background()))
	assert.Equal(t, orderOf(nsotest.Token, nsotest.FToken1, nsotest.Login,
		nsotest.FToken2, nsotest.WebServiceToken, nsotest.BulletToken), f.srv.Order())
	assert.Equal(t, 2, f.srv.Issued(nsotest.KindBulletToken))

	for _, c := range m.Store().Credentials() {
		assert.False(t, c.IsExpired(f.clock.Now()), c.Kind.String())
	}
}

func TestManager_ValidateExpiredSessionToken(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.client, f.options())
	_, err := m.Store().Put(&Credential{Kind: SessionToken, Value: "old", ExpiresAt: f.clock.Now().Add(-time.Hour)})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Validate(context.Background()), ErrAuthenticationExpired)
	_, err = m.Get(context.Background(), BulletToken)
	assert.ErrorIs(t, err, ErrAuthenticationExpired)
	assert.Empty(t, f.srv.Order())
}

// =============================================================================
// Failures
// =============================================================================

func TestManager_RejectedSessionToken(t *testing.T) {
	f := newFixture(t)
	m, err := FromTokens(f.client, map[Kind]string{
		SessionToken: f.srv.SessionTokenOut,
		GameWebToken: "gtoken-seeded",
	}, f.options())
	require.NoError(t, err)
	f.srv.Seed(nsotest.KindGameWebToken, "gtoken-seeded")
	f.srv.FailNext(nsotest.Token, http.StatusUnauthorized)

	_, err = m.Get(context.Background(), WebServiceToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationExpired)
	assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)
	assert.Equal(t, 1, f.srv.Calls(nsotest.Token))

	// what was already held stays usable
	gwt, err := m.Get(context.Background(), GameWebToken)
	require.NoError(t, err)
	assert.Equal(t, "gtoken-seeded", gwt)
	_, ok := m.Store().Get(SessionToken)
	assert.True(t, ok)

	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-1", bullet)
}

func TestManager_FailedStepLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)
	m.Invalidate(BulletToken)
	before := m.Store().Credentials()
	gen := m.Store().Generation(GameWebToken)

	f.srv.FailNext(nsotest.BulletToken, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	_, err := m.Get(context.Background(), BulletToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrUpstreamUnavailable)

	assert.Equal(t, before, m.Store().Credentials())
	assert.Equal(t, gen, m.Store().Generation(GameWebToken))
	assert.Equal(t, float32(1), f.sink.count("credential.mint_error;kind=bullet_token"))

	// the failed flight is not remembered
	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-2", bullet)
}

func TestManager_HungUpstreamTimesOutPerCall(t *testing.T) {
	f := newFixture(t)

	var hits atomic.Int32
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(hung.Close)
	t.Cleanup(func() { close(release) })

	retry := fastRetry()
	retry.Timeout = 50 * time.Millisecond
	retry.MaxRetries = 1

	unused := ftoken.ProviderFunc(func(context.Context, ftoken.Request) (*ftoken.Result, error) {
		return nil, errors.New("not reached")
	})

	endpoints := f.srv.Endpoints()
	endpoints.Accounts = hung.URL
	client, err := nso.NewClient(nso.Config{
		Endpoints: endpoints,
		FToken:    unused,
		Versions:  f.client.Versions(),
		Retry:     retry,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	m, err := FromSessionToken(client, f.srv.SessionTokenOut, f.options())
	require.NoError(t, err)

	start := time.Now()
	_, err = m.Get(context.Background(), UserAccessToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrUpstreamUnavailable)
	assert.NotErrorIs(t, err, ErrAuthenticationExpired)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.GreaterOrEqual(t, hits.Load(), int32(1))

	creds := m.Store().Credentials()
	require.Len(t, creds, 1)
	assert.Equal(t, SessionToken, creds[0].Kind)
}

func TestManager_RejectedCachedParentIsRederived(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)
	m.Invalidate(BulletToken)
	f.srv.Revoke(nsotest.KindGameWebToken)

	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-2", bullet)
	assert.Equal(t, orderOf(nsotest.BulletToken, nsotest.FToken2, nsotest.WebServiceToken, nsotest.BulletToken),
		f.srv.Order())

	gwt, _ := m.Store().Get(GameWebToken)
	assert.Equal(t, "gtoken-2", gwt.Value)
}

func TestManager_FreshParentRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)
	m.Invalidate(WebServiceToken)
	f.srv.FailNext(nsotest.BulletToken, http.StatusUnauthorized)

	_, err := m.Get(context.Background(), BulletToken)
	require.Error(t, err)
	assert.ErrorIs(t, err, nso.ErrTokenExchangeRejected)
	assert.Equal(t, 1, f.srv.Calls(nsotest.BulletToken))
	assert.Equal(t, 1, f.srv.Calls(nsotest.WebServiceToken))
}

func TestManager_BulletTokenStatuses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		wantCalls int
		wantValue string
	}{
		{"obsolete web view version", http.StatusForbidden, nil, 2, "bullet-2"},
		{"not registered", http.StatusNoContent, nso.ErrNotRegistered, 1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.ready(t)
			m.Invalidate(BulletToken)
			f.srv.FailNext(nsotest.BulletToken, tt.status)

			bullet, err := m.Get(context.Background(), BulletToken)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantValue, bullet)
			}
			assert.Equal(t, tt.wantCalls, f.srv.Calls(nsotest.BulletToken))
			assert.Equal(t, 0, f.srv.Calls(nsotest.WebServiceToken), "the game web token was fine")
		})
	}
}

func TestManager_NoSessionToken(t *testing.T) {
	f := newFixture(t)
	m, err := FromTokens(f.client, map[Kind]string{BulletToken: "bullet-env"}, f.options())
	require.NoError(t, err)

	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-env", bullet)

	_, err = m.Get(context.Background(), WebServiceToken)
	assert.ErrorIs(t, err, ErrNoSessionToken)

	_, err = FromSessionToken(f.client, "", f.options())
	assert.ErrorIs(t, err, ErrNoSessionToken)
}

func TestManager_SingleUseKinds(t *testing.T) {
	f := newFixture(t)
	m := f.loggedIn(t)

	for _, k := range []Kind{SessionTokenVerifier, SessionTokenCode, FToken1, FToken2} {
		_, err := m.Get(context.Background(), k)
		assert.ErrorIs(t, err, ErrSingleUse, k.String())
	}
	_, err := FromTokens(f.client, map[Kind]string{FToken1: "f"}, f.options())
	assert.ErrorIs(t, err, ErrSingleUse)
	assert.Empty(t, f.srv.Order())
}

// =============================================================================
// Invalidation
// =============================================================================

func TestManager_InvalidateCascades(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	m.Invalidate(IDToken)
	held := m.Store().Credentials()
	require.Len(t, held, 2)

	_, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	// the profile survives, so users/me is not called again
	assert.Equal(t, orderOf(nsotest.Token, nsotest.FToken1, nsotest.Login,
		nsotest.FToken2, nsotest.WebServiceToken, nsotest.BulletToken), f.srv.Order())
}

func TestManager_InvalidateValue(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	assert.False(t, m.InvalidateValue(BulletToken, "bullet-0"))
	_, ok := m.Store().Get(BulletToken)
	assert.True(t, ok)

	assert.True(t, m.InvalidateValue(BulletToken, "bullet-1"))
	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-2", bullet)
	assert.Equal(t, orderOf(nsotest.BulletToken), f.srv.Order())
}

// =============================================================================
// Persistence
// =============================================================================

func TestManager_SaveAndReload(t *testing.T) {
	tests := []struct {
		name    string
		backend func(t *testing.T) physical.Backend
	}{
		{"file", func(t *testing.T) physical.Backend {
			return file.New(filepath.Join(t.TempDir(), "splatauth.ini"), nil)
		}},
		{"inmem", func(t *testing.T) physical.Backend { return inmem.New() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			m := f.ready(t)
			backend := tt.backend(t)

			assert.ErrorIs(t, m.Save(context.Background()), ErrNoBackend)
			require.NoError(t, m.SaveTo(context.Background(), backend))

			reloaded, err := FromBackend(context.Background(), f.client, backend, f.options())
			require.NoError(t, err)
			assert.Equal(t, "backend", reloaded.Origin().Source)
			assert.Equal(t, backend.Location(), reloaded.Origin().Location)

			for _, want := range m.Store().Credentials() {
				got, ok := reloaded.Store().Get(want.Kind)
				require.True(t, ok, want.Kind.String())
				assert.Equal(t, want.Value, got.Value)
				assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt), want.Kind.String())
			}

			bullet, err := reloaded.Get(context.Background(), BulletToken)
			require.NoError(t, err)
			assert.Equal(t, "bullet-1", bullet)

			// the profile and coral user id came back too
			reloaded.Invalidate(GameWebToken)
			_, err = reloaded.Get(context.Background(), BulletToken)
			require.NoError(t, err)
			assert.Equal(t, orderOf(nsotest.FToken2, nsotest.WebServiceToken, nsotest.BulletToken), f.srv.Order())

			require.NoError(t, reloaded.Save(context.Background()))
		})
	}
}

func TestManager_ConcurrentSaveTo(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)
	backends := []physical.Backend{inmem.New(), inmem.New()}
	require.NoError(t, m.SaveTo(context.Background(), backends[0]))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(b physical.Backend) {
			defer wg.Done()
			errs <- m.SaveTo(context.Background(), b)
		}(backends[i%2])
		go func() {
			defer wg.Done()
			errs <- m.Save(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	for _, b := range backends {
		reloaded, err := FromBackend(context.Background(), f.client, b, f.options())
		require.NoError(t, err)
		_, ok := reloaded.Store().Get(BulletToken)
		assert.True(t, ok)
	}
	assert.ErrorIs(t, m.SaveTo(context.Background(), nil), ErrNoBackend)
}

func TestFromBackend_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := FromBackend(context.Background(), f.client, inmem.New(), f.options())
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = FromBackend(context.Background(), f.client,
		file.New(filepath.Join(t.TempDir(), "missing.ini"), nil), f.options())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestFromEnv(t *testing.T) {
	f := newFixture(t)

	t.Run("none set", func(t *testing.T) {
		t.Setenv(EnvSessionToken, "")
		t.Setenv(EnvGameWebToken, "")
		t.Setenv(EnvBulletToken, "")
		_, err := FromEnv(f.client, f.options())
		assert.ErrorIs(t, err, ErrNoCredentials)
	})

	t.Run("all set", func(t *testing.T) {
		f.srv.ResetCalls()
		t.Setenv(EnvSessionToken, f.srv.SessionTokenOut)
		t.Setenv(EnvGameWebToken, "gtoken-env")
		t.Setenv(EnvBulletToken, "bullet-env")

		m, err := FromEnv(f.client, f.options())
		require.NoError(t, err)
		assert.Equal(t, "env", m.Origin().String())

		bullet, err := m.Get(context.Background(), BulletToken)
		require.NoError(t, err)
		assert.Equal(t, "bullet-env", bullet)
		gwt, err := m.Get(context.Background(), GameWebToken)
		require.NoError(t, err)
		assert.Equal(t, "gtoken-env", gwt)
		assert.Empty(t, f.srv.Order())
	})
}

// =============================================================================
// Login
// =============================================================================

// loginState reads the state BeginLogin put in the login URL.
func loginState(t *testing.T, loginURL string) string {
	t.Helper()
	u, err := url.Parse(loginURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestManager_Login(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.client, f.options())

	assert.ErrorIs(t, m.CompleteLogin(context.Background(), "whatever"), ErrNoLogin)

	loginURL, err := m.BeginLogin()
	require.NoError(t, err)
	assert.Contains(t, loginURL, "session_token_code_challenge=")
	assert.True(t, m.LoginPending())

	err = m.CompleteLogin(context.Background(), "https://example.com/#session_token_code=x")
	assert.ErrorIs(t, err, nso.ErrMalformedRedirect)
	assert.True(t, m.LoginPending(), "a malformed redirect can be pasted again")

	err = m.CompleteLogin(context.Background(), nsotest.RedirectURL(f.srv.SessionTokenCode, "another-attempt"))
	assert.ErrorIs(t, err, nso.ErrMalformedRedirect)
	assert.True(t, m.LoginPending())
	assert.Equal(t, 0, f.srv.Calls(nsotest.SessionToken), "the code is not spent on a foreign state")

	require.NoError(t, m.CompleteLogin(context.Background(), nsotest.RedirectURL(f.srv.SessionTokenCode, loginState(t, loginURL))))
	assert.False(t, m.LoginPending())

	session, err := m.Get(context.Background(), SessionToken)
	require.NoError(t, err)
	assert.Equal(t, f.srv.SessionTokenOut, session)

	bullet, err := m.Get(context.Background(), BulletToken)
	require.NoError(t, err)
	assert.Equal(t, "bullet-1", bullet)
}

func TestManager_LoginReplacesHeldCredentials(t *testing.T) {
	f := newFixture(t)
	m := f.ready(t)

	loginURL, err := m.BeginLogin()
	require.NoError(t, err)
	require.NoError(t, m.CompleteLogin(context.Background(), nsotest.RedirectURL(f.srv.SessionTokenCode, loginState(t, loginURL))))

	held := m.Store().Credentials()
	require.Len(t, held, 1)
	assert.Equal(t, SessionToken, held[0].Kind)
	_, ok := m.Store().Profile()
	assert.False(t, ok)
}
