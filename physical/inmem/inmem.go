// Package inmem is a non-durable physical.Backend for tests and for
// processes that only want in-flight deduplication.
package inmem

import (
	"context"
	"strings"
	"sync"

	"github.com/armon/go-radix"
	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/physical"
)

var _ physical.Backend = (*Backend)(nil)

// Backend keeps entries in a radix tree keyed "<section>/<name>".
type Backend struct {
	sync.RWMutex
	root   *radix.Tree
	stores int
}

// NewBackend is a physical.Factory. It takes no configuration.
func NewBackend(_ map[string]string, _ *logger.GatedLogger) (physical.Backend, error) {
	return New(), nil
}

func New() *Backend {
	return &Backend{root: radix.New()}
}

func (b *Backend) Location() string { return "inmem" }

func (b *Backend) Close() error { return nil }

// Stores reports how many times Store succeeded.
func (b *Backend) Stores() int {
	b.RLock()
	defer b.RUnlock()
	return b.stores
}

func (b *Backend) Load(ctx context.Context) (*physical.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.RLock()
	defer b.RUnlock()

	snap := physical.NewSnapshot()
	collect := func(section string, into map[string]string) {
		prefix := section + "/"
		b.root.WalkPrefix(prefix, func(k string, v interface{}) bool {
			into[strings.TrimPrefix(k, prefix)] = v.(string)
			return false
		})
	}
	collect(physical.SectionTokens, snap.Tokens)
	collect(physical.SectionData, snap.Data)
	if snap.Empty() {
		return nil, physical.ErrNotFound
	}
	return snap, nil
}

func (b *Backend) Store(ctx context.Context, snap *physical.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()

	root := radix.New()
	for k, v := range snap.Tokens {
		root.Insert(physical.SectionTokens+"/"+k, v)
	}
	for k, v := range snap.Data {
		root.Insert(physical.SectionData+"/"+k, v)
	}
	b.root = root
	b.stores++
	return nil
}
