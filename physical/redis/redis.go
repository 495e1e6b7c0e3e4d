// Package redis stores tokens in two Redis hashes, "<prefix>tokens" and
// "<prefix>data".
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/physical"
)

const DefaultPrefix = "splatauth:"

var _ physical.Backend = (*Backend)(nil)

type Backend struct {
	client *redis.Client
	prefix string
	logger *logger.GatedLogger
}

// NewBackend is a physical.Factory. Keys: "address" (required), "password",
// "db", "prefix".
func NewBackend(conf map[string]string, log *logger.GatedLogger) (physical.Backend, error) {
	addr := conf["address"]
	if addr == "" {
		return nil, errors.New("'address' must be set")
	}
	db := 0
	if v := conf["db"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'db': %w", err)
		}
		db = n
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: conf["password"],
		DB:       db,
	})
	return New(client, conf["prefix"], log), nil
}

// New wraps an existing client. The backend closes it on Close.
func New(client *redis.Client, prefix string, log *logger.GatedLogger) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Backend{client: client, prefix: prefix, logger: log}
}

func (b *Backend) Location() string {
	return "redis:" + b.client.Options().Addr + "/" + b.prefix
}

func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) key(section string) string { return b.prefix + section }

func (b *Backend) Load(ctx context.Context) (*physical.Snapshot, error) {
	tokens, err := b.client.HGetAll(ctx, b.key(physical.SectionTokens)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	data, err := b.client.HGetAll(ctx, b.key(physical.SectionData)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load token data: %w", err)
	}
	snap := &physical.Snapshot{Tokens: tokens, Data: data}
	if snap.Empty() {
		return nil, physical.ErrNotFound
	}
	return snap, nil
}

// Store replaces both hashes atomically.
func (b *Backend) Store(ctx context.Context, snap *physical.Snapshot) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key(physical.SectionTokens), b.key(physical.SectionData))
		if len(snap.Tokens) > 0 {
			pipe.HSet(ctx, b.key(physical.SectionTokens), toArgs(snap.Tokens)...)
		}
		if len(snap.Data) > 0 {
			pipe.HSet(ctx, b.key(physical.SectionData), toArgs(snap.Data)...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}
	b.logger.Debug("tokens stored",
		logger.String("prefix", b.prefix),
		logger.Int("tokens", len(snap.Tokens)))
	return nil
}

func toArgs(m map[string]string) []interface{} {
	args := make([]interface{}, 0, 2*len(m))
	for _, k := range physical.SortedKeys(m) {
		args = append(args, k, m[k])
	}
	return args
}
