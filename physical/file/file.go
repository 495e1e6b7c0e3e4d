// Package file stores tokens in a key=value file with optional [tokens] and
// [data] sections. Files without sections are read as tokens.
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/physical"
	"gopkg.in/ini.v1"
)

var _ physical.Backend = (*Backend)(nil)

// Backend is a physical.Backend over a single file.
type Backend struct {
	path   string
	logger *logger.GatedLogger
	mu     sync.Mutex
}

// NewBackend is a physical.Factory. The "path" key is required.
func NewBackend(conf map[string]string, log *logger.GatedLogger) (physical.Backend, error) {
	path := conf["path"]
	if path == "" {
		return nil, errors.New("'path' must be set")
	}
	return New(path, log), nil
}

func New(path string, log *logger.GatedLogger) *Backend {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Backend{path: path, logger: log}
}

func (b *Backend) Location() string { return "file:" + b.path }

func (b *Backend) Close() error { return nil }

func (b *Backend) Load(ctx context.Context) (*physical.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.path, err)
	}

	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", b.path, err)
	}

	snap := physical.NewSnapshot()
	if sec, err := cfg.GetSection(physical.SectionTokens); err == nil {
		copyKeys(sec, snap.Tokens)
	} else {
		copyKeys(cfg.Section(ini.DefaultSection), snap.Tokens)
	}
	if sec, err := cfg.GetSection(physical.SectionData); err == nil {
		copyKeys(sec, snap.Data)
	}

	b.logger.Debug("tokens loaded",
		logger.String("path", b.path),
		logger.Int("tokens", len(snap.Tokens)))
	return snap, nil
}

func copyKeys(sec *ini.Section, into map[string]string) {
	for _, k := range sec.Keys() {
		if v := k.Value(); v != "" {
			into[k.Name()] = v
		}
	}
}

// Store writes the snapshot through a temporary file and renames it into
// place, so a crash never leaves a half-written token file.
func (b *Backend) Store(ctx context.Context, snap *physical.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	writeSection(w, physical.SectionTokens, snap.Tokens)
	if len(snap.Data) > 0 {
		w.WriteString("\n")
		writeSection(w, physical.SectionData, snap.Data)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", b.path, err)
	}

	b.logger.Debug("tokens stored",
		logger.String("path", b.path),
		logger.Int("tokens", len(snap.Tokens)))
	return nil
}

func writeSection(w *bufio.Writer, name string, values map[string]string) {
	fmt.Fprintf(w, "[%s]\n", name)
	for _, k := range physical.SortedKeys(values) {
		fmt.Fprintf(w, "%s=%s\n", k, values[k])
	}
}
