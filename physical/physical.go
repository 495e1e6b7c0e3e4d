// Package physical persists a token store snapshot. Backends only move
// flat string maps; which keys are worth keeping is decided by the caller.
package physical

import (
	"context"
	"errors"
	"sort"

	"github.com/stephnangue/splatauth/logger"
)

// Section names shared by every backend.
const (
	SectionTokens = "tokens"
	SectionData   = "data"
)

// ErrNotFound is returned by Load when nothing was ever stored.
var ErrNotFound = errors.New("no persisted tokens")

// Snapshot is the persisted form of a token store: credential values keyed
// by kind name, plus auxiliary data such as the cached profile.
type Snapshot struct {
	Tokens map[string]string
	Data   map[string]string
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tokens: make(map[string]string),
		Data:   make(map[string]string),
	}
}

// Empty reports whether the snapshot holds no values at all.
func (s *Snapshot) Empty() bool {
	return s == nil || (len(s.Tokens) == 0 && len(s.Data) == 0)
}

// Backend is a place a snapshot can be loaded from and stored to.
type Backend interface {
	// Load returns ErrNotFound if no snapshot was stored yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Store replaces whatever was stored before.
	Store(ctx context.Context, snap *Snapshot) error

	// Location describes where the snapshot lives, for logs and origin
	// reporting ("file:/home/u/.splatauth").
	Location() string

	Close() error
}

// Factory is the factory function to create a backend.
type Factory func(config map[string]string, log *logger.GatedLogger) (Backend, error)

// SortedKeys returns the keys of m in order, so backends write
// deterministic output.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
