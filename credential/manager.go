package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/physical"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshBuffer treats a credential as expired this long before its
// actual expiry, so it is not handed out moments before it lapses.
const DefaultRefreshBuffer = time.Minute

// Exchanger performs the individual identity chain transitions.
// *nso.Client implements it.
type Exchanger interface {
	BeginLogin() (nso.AwaitingLoginCode, error)
	SessionToken(ctx context.Context, s nso.HaveSessionTokenCode) (nso.HaveSessionToken, error)
	AccessCredentials(ctx context.Context, s nso.HaveSessionToken) (nso.HaveAccessCredentials, error)
	Profile(ctx context.Context, s nso.HaveAccessCredentials) (nso.HaveProfile, error)
	FirstFToken(ctx context.Context, s nso.HaveProfile) (nso.HaveFirstFToken, error)
	WebServiceToken(ctx context.Context, s nso.HaveFirstFToken) (nso.HaveWebServiceToken, error)
	SecondFToken(ctx context.Context, s nso.HaveWebServiceToken) (nso.HaveSecondFToken, error)
	GameWebToken(ctx context.Context, s nso.HaveSecondFToken) (nso.HaveGameWebToken, error)
	BulletToken(ctx context.Context, s nso.HaveGameWebToken) (nso.Ready, error)
}

// MetricSink receives the manager's counters and timings.
// *metrics.Metrics implements it.
type MetricSink interface {
	IncrCounterWithLabels(key []string, val float32, labels []metrics.Label)
	MeasureSinceWithLabels(key []string, start time.Time, labels []metrics.Label)
}

// Options configure a Manager. The zero value is usable.
type Options struct {
	// Backend is where Save writes. FromBackend sets it to the backend it
	// loaded from.
	Backend physical.Backend

	RefreshBuffer time.Duration
	Logger        *logger.GatedLogger
	Metrics       MetricSink
	Now           func() time.Time
}

// Origin tells where the manager's initial credentials came from.
type Origin struct {
	Source   string // "memory", "env" or "backend"
	Location string // backend location, if any
}

func (o Origin) String() string {
	if o.Location != "" {
		return o.Source + " (" + o.Location + ")"
	}
	return o.Source
}

// Manager hands out identity chain credentials, re-deriving only the part
// of the chain that is no longer valid. At most one exchange per chain step
// is in flight at a time; concurrent callers share its result.
type Manager struct {
	ex      Exchanger
	store   *Store
	group   singleflight.Group
	origin  Origin
	buffer  time.Duration
	log     *logger.GatedLogger
	metrics MetricSink
	now     func() time.Time

	loginMu sync.Mutex
	login   *nso.AwaitingLoginCode

	backendMu sync.RWMutex
	backend   physical.Backend
}

// NewManager returns a manager with an empty store. Most callers want one
// of the From* constructors.
func NewManager(ex Exchanger, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscardLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	return &Manager{
		ex:      ex,
		store:   NewStore(),
		backend: opts.Backend,
		origin:  Origin{Source: "memory"},
		buffer:  opts.RefreshBuffer,
		log:     opts.Logger.WithSubsystem("credential"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Store exposes the underlying store.
func (m *Manager) Store() *Store { return m.store }

func (m *Manager) Origin() Origin { return m.origin }

// Get returns the value of a valid credential of kind, deriving it if needed.
func (m *Manager) Get(ctx context.Context, kind Kind) (string, error) {
	c, err := m.Credential(ctx, kind)
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// Credential is Get returning the full credential.
func (m *Manager) Credential(ctx context.Context, kind Kind) (*Credential, error) {
	if kind.SingleUse() {
		return nil, fmt.Errorf("%w: %s", ErrSingleUse, kind)
	}
	c, _, err := m.credential(ctx, kind)
	return c, err
}

// Invalidate marks kind and everything derived from it stale.
func (m *Manager) Invalidate(kind Kind) {
	dropped := m.store.Invalidate(kind)
	m.log.Debug("credentials invalidated",
		logger.String("kind", kind.String()),
		logger.Int("dropped", len(dropped)))
}

// InvalidateValue invalidates kind only if value is still current. Callers
// that saw value rejected use it so they do not discard a fresher
// credential another caller already obtained.
func (m *Manager) InvalidateValue(kind Kind, value string) bool {
	ok := m.store.InvalidateValue(kind, value)
	if ok {
		m.log.Debug("credential invalidated by value", logger.String("kind", kind.String()))
	}
	return ok
}

// Profile returns the account profile, fetching it if it is not cached.
func (m *Manager) Profile(ctx context.Context) (nso.Profile, error) {
	if p, ok := m.store.Profile(); ok {
		return p, nil
	}
	v, err, _ := m.group.Do("profile", func() (interface{}, error) {
		if p, ok := m.store.Profile(); ok {
			return p, nil
		}
		var p nso.Profile
		err := m.mintFrom(ctx, UserAccessToken, func(ctx context.Context, uat *Credential) error {
			hp, err := m.ex.Profile(ctx, nso.HaveAccessCredentials{UserAccessToken: uat.Token()})
			if err != nil {
				return err
			}
			p = hp.Profile
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.store.SetProfile(p)
		return p, nil
	})
	if err != nil {
		m.group.Forget("profile")
		return nso.Profile{}, err
	}
	return v.(nso.Profile), nil
}

// Validate re-derives every held credential that has expired. It stops at
// the first failure.
func (m *Manager) Validate(ctx context.Context) error {
	now := m.now()
	for _, c := range m.store.Credentials() {
		if !c.ShouldRefresh(now, m.buffer) {
			m.log.Trace("credential valid",
				logger.String("kind", c.Kind.String()),
				logger.String("ttl", c.ttlString(now)))
			continue
		}
		if c.Kind == SessionToken {
			return fmt.Errorf("%w: session token expired", ErrAuthenticationExpired)
		}
		if _, err := m.Credential(ctx, c.Kind); err != nil {
			return err
		}
	}
	return nil
}

// Save persists every cacheable credential and the profile.
func (m *Manager) Save(ctx context.Context) error {
	m.backendMu.RLock()
	backend := m.backend
	m.backendMu.RUnlock()
	if backend == nil {
		return ErrNoBackend
	}
	return m.saveTo(ctx, backend)
}

// SaveTo persists to backend and makes it the manager's backend.
func (m *Manager) SaveTo(ctx context.Context, backend physical.Backend) error {
	if backend == nil {
		return ErrNoBackend
	}
	m.backendMu.Lock()
	m.backend = backend
	m.backendMu.Unlock()
	return m.saveTo(ctx, backend)
}

func (m *Manager) saveTo(ctx context.Context, backend physical.Backend) error {
	snap, err := m.store.Snapshot()
	if err != nil {
		return err
	}
	if err := backend.Store(ctx, snap); err != nil {
		return err
	}
	m.log.Info("credentials saved",
		logger.String("location", backend.Location()),
		logger.Int("tokens", len(snap.Tokens)))
	return nil
}

// credential returns a valid credential of kind and whether it was derived
// during this call rather than read from the store.
func (m *Manager) credential(ctx context.Context, kind Kind) (*Credential, bool, error) {
	labels := []metrics.Label{{Name: "kind", Value: kind.String()}}
	if c, ok := m.store.Valid(kind, m.now(), m.buffer); ok {
		m.metrics.IncrCounterWithLabels([]string{"credential", "cache_hit"}, 1, labels)
		return c, false, nil
	}
	m.metrics.IncrCounterWithLabels([]string{"credential", "cache_miss"}, 1, labels)

	if kind == SessionToken {
		if _, ok := m.store.Get(SessionToken); ok {
			return nil, false, fmt.Errorf("%w: session token expired", ErrAuthenticationExpired)
		}
		return nil, false, ErrNoSessionToken
	}

	key := flightKey(kind)
	// the exchange outlives a cancelled caller so that callers sharing it
	// are not failed too; per-call HTTP timeouts still bound it
	flightCtx := context.WithoutCancel(ctx)
	for attempt := 0; attempt < 2; attempt++ {
		ch := m.group.DoChan(key, func() (interface{}, error) {
			if c, ok := m.store.Valid(kind, m.now(), m.buffer); ok {
				return map[Kind]*Credential{kind: c}, nil
			}
			start := time.Now()
			minted, err := m.mint(flightCtx, kind)
			m.metrics.MeasureSinceWithLabels([]string{"credential", "mint"}, start, labels)
			if err != nil {
				m.metrics.IncrCounterWithLabels([]string{"credential", "mint_error"}, 1, labels)
				return nil, err
			}
			return minted, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if res.Err != nil {
			m.group.Forget(key)
			return nil, false, res.Err
		}
		v, shared := res.Val, res.Shared
		if shared {
			m.metrics.IncrCounterWithLabels([]string{"credential", "shared"}, 1, labels)
		}
		// a flight started for a sibling kind of the same step may not
		// carry this kind; go again
		if c, ok := v.(map[Kind]*Credential)[kind]; ok {
			return c, true, nil
		}
	}
	return nil, false, fmt.Errorf("%s was not produced by its exchange", kind)
}

// flightKey is the exchange that produces kind. The user access token and
// the id token come from the same call, so they share a flight.
func flightKey(kind Kind) string {
	if kind == UserAccessToken || kind == IDToken {
		return "access_credentials"
	}
	return kind.String()
}

// mintFrom resolves parent and runs step with it. If the step is rejected
// while using a cached parent, the parent is dropped and the step tried
// once more with a freshly derived one.
func (m *Manager) mintFrom(ctx context.Context, parent Kind, step func(ctx context.Context, p *Credential) error) error {
	for attempt := 0; ; attempt++ {
		p, fresh, err := m.credential(ctx, parent)
		if err != nil {
			return err
		}
		err = step(ctx, p)
		if err == nil {
			return nil
		}
		if attempt > 0 || !errors.Is(err, nso.ErrTokenExchangeRejected) ||
			errors.Is(err, nso.ErrNotRegistered) || errors.Is(err, ErrAuthenticationExpired) {
			return err
		}
		if errors.Is(err, nso.ErrObsoleteVersion) {
			// the exchanger dropped its web view version; the parent is fine
			m.log.Info("web view version rejected, retrying with a fresh one")
			continue
		}
		if fresh {
			return err
		}
		m.log.Info("cached credential rejected, deriving a new one",
			logger.String("kind", parent.String()),
			logger.Err(err))
		m.store.InvalidateGeneration(parent, p.Generation)
	}
}

// mint derives kind from its parent and stores the results. A failure
// leaves the store untouched.
func (m *Manager) mint(ctx context.Context, kind Kind) (map[Kind]*Credential, error) {
	switch kind {
	case UserAccessToken, IDToken:
		return m.mintAccessCredentials(ctx)
	case WebServiceToken:
		return m.mintWebServiceToken(ctx)
	case GameWebToken:
		return m.mintGameWebToken(ctx)
	case BulletToken:
		return m.mintBulletToken(ctx)
	}
	return nil, fmt.Errorf("cannot derive %s", kind)
}

func (m *Manager) mintAccessCredentials(ctx context.Context) (map[Kind]*Credential, error) {
	session, _, err := m.credential(ctx, SessionToken)
	if err != nil {
		return nil, err
	}
	creds, err := m.ex.AccessCredentials(ctx, nso.HaveSessionToken{SessionToken: session.Token()})
	if err != nil {
		if errors.Is(err, nso.ErrTokenExchangeRejected) {
			m.log.Warn("session token rejected", logger.Err(err))
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationExpired, err)
		}
		return nil, err
	}
	return m.put(
		FromToken(UserAccessToken, creds.UserAccessToken),
		FromToken(IDToken, creds.IDToken),
	)
}

func (m *Manager) mintWebServiceToken(ctx context.Context) (map[Kind]*Credential, error) {
	var minted map[Kind]*Credential
	err := m.mintFrom(ctx, IDToken, func(ctx context.Context, id *Credential) error {
		profile, err := m.Profile(ctx)
		if err != nil {
			return err
		}
		first, err := m.ex.FirstFToken(ctx, nso.HaveProfile{IDToken: id.Token(), Profile: profile})
		if err != nil {
			return err
		}
		wst, err := m.ex.WebServiceToken(ctx, first)
		if err != nil {
			return err
		}
		c := FromToken(WebServiceToken, wst.WebServiceToken)
		c.Aux = map[string]string{AuxCoralUserID: wst.CoralUserID}
		minted, err = m.put(c)
		return err
	})
	return minted, err
}

func (m *Manager) mintGameWebToken(ctx context.Context) (map[Kind]*Credential, error) {
	var minted map[Kind]*Credential
	err := m.mintFrom(ctx, WebServiceToken, func(ctx context.Context, wst *Credential) error {
		profile, err := m.Profile(ctx)
		if err != nil {
			return err
		}
		second, err := m.ex.SecondFToken(ctx, nso.HaveWebServiceToken{
			Profile:         profile,
			WebServiceToken: wst.Token(),
			CoralUserID:     wst.Aux[AuxCoralUserID],
		})
		if err != nil {
			return err
		}
		gwt, err := m.ex.GameWebToken(ctx, second)
		if err != nil {
			return err
		}
		minted, err = m.put(FromToken(GameWebToken, gwt.GameWebToken))
		return err
	})
	return minted, err
}

func (m *Manager) mintBulletToken(ctx context.Context) (map[Kind]*Credential, error) {
	var minted map[Kind]*Credential
	err := m.mintFrom(ctx, GameWebToken, func(ctx context.Context, gwt *Credential) error {
		profile, err := m.Profile(ctx)
		if err != nil {
			return err
		}
		ready, err := m.ex.BulletToken(ctx, nso.HaveGameWebToken{Profile: profile, GameWebToken: gwt.Token()})
		if err != nil {
			return err
		}
		minted, err = m.put(FromToken(BulletToken, ready.BulletToken))
		return err
	})
	return minted, err
}

func (m *Manager) put(creds ...*Credential) (map[Kind]*Credential, error) {
	out := make(map[Kind]*Credential, len(creds))
	for _, c := range creds {
		stored, err := m.store.Put(c)
		if err != nil {
			return nil, err
		}
		m.log.Debug("credential stored",
			logger.String("kind", c.Kind.String()),
			logger.String("id", stored.ID),
			logger.String("ttl", stored.ttlString(m.now())))
		out[c.Kind] = stored
	}
	return out, nil
}
