// Package bolt stores tokens in an embedded bbolt database, one nested
// bucket per snapshot section.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/physical"
	"go.etcd.io/bbolt"
)

const DefaultBucket = "splatauth"

var _ physical.Backend = (*Backend)(nil)

type Backend struct {
	db     *bbolt.DB
	bucket []byte
	path   string
	logger *logger.GatedLogger
}

// NewBackend is a physical.Factory. Keys: "path" (required), "bucket".
func NewBackend(conf map[string]string, log *logger.GatedLogger) (physical.Backend, error) {
	path := conf["path"]
	if path == "" {
		return nil, errors.New("'path' must be set")
	}
	bucket := conf["bucket"]
	if bucket == "" {
		bucket = DefaultBucket
	}
	return Open(path, bucket, log)
}

// Open opens or creates the database at path.
func Open(path, bucket string, log *logger.GatedLogger) (*Backend, error) {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return &Backend{db: db, bucket: []byte(bucket), path: path, logger: log}, nil
}

func (b *Backend) Location() string { return "bolt:" + b.path }

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Load(ctx context.Context) (*physical.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := physical.NewSnapshot()
	err := b.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(b.bucket)
		if root == nil {
			return physical.ErrNotFound
		}
		if err := readBucket(root, physical.SectionTokens, snap.Tokens); err != nil {
			return err
		}
		return readBucket(root, physical.SectionData, snap.Data)
	})
	if err != nil {
		return nil, err
	}
	if snap.Empty() {
		return nil, physical.ErrNotFound
	}
	return snap, nil
}

func readBucket(root *bbolt.Bucket, name string, into map[string]string) error {
	sub := root.Bucket([]byte(name))
	if sub == nil {
		return nil
	}
	return sub.ForEach(func(k, v []byte) error {
		into[string(k)] = string(v)
		return nil
	})
}

// Store replaces both sections in a single transaction.
func (b *Backend) Store(ctx context.Context, snap *physical.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(b.bucket)
		if err != nil {
			return err
		}
		if err := writeBucket(root, physical.SectionTokens, snap.Tokens); err != nil {
			return err
		}
		return writeBucket(root, physical.SectionData, snap.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to store tokens in %s: %w", b.path, err)
	}
	b.logger.Debug("tokens stored",
		logger.String("path", b.path),
		logger.Int("tokens", len(snap.Tokens)))
	return nil
}

func writeBucket(root *bbolt.Bucket, name string, values map[string]string) error {
	if root.Bucket([]byte(name)) != nil {
		if err := root.DeleteBucket([]byte(name)); err != nil {
			return err
		}
	}
	sub, err := root.CreateBucket([]byte(name))
	if err != nil {
		return err
	}
	for _, k := range physical.SortedKeys(values) {
		if err := sub.Put([]byte(k), []byte(values[k])); err != nil {
			return err
		}
	}
	return nil
}
