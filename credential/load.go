package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/physical"
)

// Environment variables read by FromEnv. The names are shared with other
// SplatNet 3 tools.
const (
	EnvSessionToken = "SN3S_SESSION_TOKEN"
	EnvGameWebToken = "SN3S_GTOKEN"
	EnvBulletToken  = "SN3S_BULLET_TOKEN"
)

var envKinds = []struct {
	name string
	kind Kind
}{
	{EnvSessionToken, SessionToken},
	{EnvGameWebToken, GameWebToken},
	{EnvBulletToken, BulletToken},
}

// FromSessionToken starts from a session token obtained earlier.
func FromSessionToken(ex Exchanger, sessionToken string, opts Options) (*Manager, error) {
	if sessionToken == "" {
		return nil, ErrNoSessionToken
	}
	return FromTokens(ex, map[Kind]string{SessionToken: sessionToken}, opts)
}

// FromTokens seeds the store with raw values. Their expiry is read from JWT
// claims where present, otherwise assumed from the kind.
func FromTokens(ex Exchanger, tokens map[Kind]string, opts Options) (*Manager, error) {
	m := NewManager(ex, opts)
	if err := m.seed(tokens); err != nil {
		return nil, err
	}
	return m, nil
}

// FromEnv seeds the store from SN3S_SESSION_TOKEN, SN3S_GTOKEN and
// SN3S_BULLET_TOKEN. At least one must be set.
func FromEnv(ex Exchanger, opts Options) (*Manager, error) {
	tokens := make(map[Kind]string)
	for _, e := range envKinds {
		if v, ok := os.LookupEnv(e.name); ok && v != "" {
			tokens[e.kind] = v
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: none of %s, %s, %s is set",
			ErrNoCredentials, EnvSessionToken, EnvGameWebToken, EnvBulletToken)
	}
	m, err := FromTokens(ex, tokens, opts)
	if err != nil {
		return nil, err
	}
	m.origin = Origin{Source: "env"}
	m.log.Debug("credentials loaded from environment", logger.Int("tokens", len(tokens)))
	return m, nil
}

// FromBackend loads a snapshot stored by Save. Save on the returned manager
// writes back to the same backend.
func FromBackend(ctx context.Context, ex Exchanger, backend physical.Backend, opts Options) (*Manager, error) {
	snap, err := backend.Load(ctx)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, fmt.Errorf("%w in %s", ErrNoCredentials, backend.Location())
	}
	if err != nil {
		return nil, err
	}

	opts.Backend = backend
	m := NewManager(ex, opts)
	if err := m.store.Restore(snap, m.now()); err != nil {
		return nil, err
	}
	if _, ok := m.store.Get(SessionToken); !ok {
		m.log.Warn("persisted credentials have no session token; they cannot be renewed",
			logger.String("location", backend.Location()))
	}
	m.origin = Origin{Source: "backend", Location: backend.Location()}
	m.log.Debug("credentials loaded",
		logger.String("location", backend.Location()),
		logger.Int("tokens", len(snap.Tokens)))
	return m, nil
}

func (m *Manager) seed(tokens map[Kind]string) error {
	now := m.now()
	// parents first, so expiry caps apply
	for _, k := range Kinds() {
		v, ok := tokens[k]
		if !ok {
			continue
		}
		if !k.Persisted() {
			return fmt.Errorf("%w: %s", ErrSingleUse, k)
		}
		if _, err := m.store.Put(FromToken(k, nso.TokenFromValue(v, now, k.Lifetime()))); err != nil {
			return err
		}
	}
	return nil
}
