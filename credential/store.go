package credential

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/mitchellh/copystructure"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/physical"
)

// expirySuffix marks the [data] keys recording when a persisted token
// expires, so a reload does not have to guess.
const expirySuffix = "_expires_at"

// Store holds at most one live credential per kind, plus the account
// profile later steps need. Every Put or Invalidate of a kind bumps its
// generation; a caller holding an older generation knows its value was
// superseded.
type Store struct {
	mu          sync.RWMutex
	entries     map[Kind]*Credential
	generations map[Kind]uint64
	profile     *nso.Profile
}

func NewStore() *Store {
	return &Store{
		entries:     make(map[Kind]*Credential),
		generations: make(map[Kind]uint64),
	}
}

// Get returns a copy of the current credential of kind, expired or not.
func (s *Store) Get(kind Kind) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[kind]
	if !ok {
		return nil, false
	}
	return copyCredential(c), true
}

// Valid returns the credential of kind if it is still usable buffer from now.
func (s *Store) Valid(kind Kind, now time.Time, buffer time.Duration) (*Credential, bool) {
	c, ok := s.Get(kind)
	if !ok || c.ShouldRefresh(now, buffer) {
		return nil, false
	}
	return c, true
}

// Generation of kind.
func (s *Store) Generation(kind Kind) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[kind]
}

// Put makes c the current credential of its kind and returns the stored
// copy. Its expiry is capped by the ancestor it cannot outlive.
func (s *Store) Put(c *Credential) (*Credential, error) {
	if c.Kind.SingleUse() {
		return nil, fmt.Errorf("%w: %s", ErrSingleUse, c.Kind)
	}
	if c.Value == "" {
		return nil, fmt.Errorf("empty %s", c.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyCredential(c)
	stored.ID = uuid.NewString()
	if b, ok := c.Kind.bound(); ok {
		if parent, ok := s.entries[b]; ok && !parent.ExpiresAt.IsZero() {
			if stored.ExpiresAt.IsZero() || stored.ExpiresAt.After(parent.ExpiresAt) {
				stored.ExpiresAt = parent.ExpiresAt
			}
		}
	}
	s.generations[c.Kind]++
	stored.Generation = s.generations[c.Kind]
	s.entries[c.Kind] = stored
	return copyCredential(stored), nil
}

// Invalidate drops kind and everything derived from it. It returns the
// kinds that were actually dropped.
func (s *Store) Invalidate(kind Kind) []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(kind)
}

// InvalidateGeneration drops kind only if it is still at generation gen,
// so a value someone else already refreshed is left alone.
func (s *Store) InvalidateGeneration(kind Kind, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[kind] != gen {
		return false
	}
	s.invalidateLocked(kind)
	return true
}

// InvalidateValue drops kind only if value is still its current value.
func (s *Store) InvalidateValue(kind Kind, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.entries[kind]
	if !ok || c.Value != value {
		return false
	}
	s.invalidateLocked(kind)
	return true
}

func (s *Store) invalidateLocked(kind Kind) []Kind {
	var dropped []Kind
	for _, k := range append([]Kind{kind}, kind.Descendants()...) {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			dropped = append(dropped, k)
		}
		s.generations[k]++
	}
	if kind == SessionToken || kind == UserAccessToken {
		// the profile belongs to whoever the access token identified
		s.profile = nil
	}
	return dropped
}

// Profile returns the cached account profile.
func (s *Store) Profile() (nso.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nso.Profile{}, false
	}
	return *s.profile, true
}

func (s *Store) SetProfile(p nso.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
}

// Credentials returns deep copies of every held credential in chain order.
func (s *Store) Credentials() []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Credential
	for _, k := range Kinds() {
		if c, ok := s.entries[k]; ok {
			out = append(out, copyCredential(c))
		}
	}
	return out
}

// Snapshot returns the persistable state: every non single-use value, its
// expiry and the profile fields.
func (s *Store) Snapshot() (*physical.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := physical.NewSnapshot()
	for k, c := range s.entries {
		if !k.Persisted() {
			continue
		}
		snap.Tokens[k.String()] = c.Value
		if !c.ExpiresAt.IsZero() {
			snap.Data[k.String()+expirySuffix] = c.ExpiresAt.UTC().Format(time.RFC3339)
		}
		if id := c.Aux[AuxCoralUserID]; id != "" && k == WebServiceToken {
			snap.Data[AuxCoralUserID] = id
		}
	}
	if s.profile != nil {
		var fields map[string]string
		if err := mapstructure.Decode(s.profile, &fields); err != nil {
			return nil, fmt.Errorf("failed to encode profile: %w", err)
		}
		for k, v := range fields {
			if v != "" {
				snap.Data[k] = v
			}
		}
	}
	return snap, nil
}

// Restore replaces the store content with snap. Values without a recorded
// expiry are dated from their JWT claims or the kind's usual lifetime.
func (s *Store) Restore(snap *physical.Snapshot, now time.Time) error {
	if snap == nil {
		return nil
	}
	restored := make(map[Kind]*Credential)
	for name, value := range snap.Tokens {
		kind, err := ParseKind(name)
		if err != nil || !kind.Persisted() || value == "" {
			continue
		}
		c := FromToken(kind, nso.TokenFromValue(value, now, kind.Lifetime()))
		if raw, ok := snap.Data[name+expirySuffix]; ok {
			exp, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", name, expirySuffix, err)
			}
			c.ExpiresAt = exp
		}
		if kind == WebServiceToken && snap.Data[AuxCoralUserID] != "" {
			c.Aux = map[string]string{AuxCoralUserID: snap.Data[AuxCoralUserID]}
		}
		c.ID = uuid.NewString()
		restored[kind] = c
	}

	var profile *nso.Profile
	if snap.Data["na_id"] != "" {
		var p nso.Profile
		if err := mapstructure.Decode(snap.Data, &p); err != nil {
			return fmt.Errorf("failed to decode profile: %w", err)
		}
		profile = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		s.generations[k]++
	}
	for k, c := range restored {
		s.generations[k]++
		c.Generation = s.generations[k]
	}
	s.entries = restored
	s.profile = profile
	return nil
}

func copyCredential(c *Credential) *Credential {
	cp, err := copystructure.Copy(c)
	if err != nil {
		panic(err)
	}
	return cp.(*Credential)
}
