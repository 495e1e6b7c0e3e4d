package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
	"golang.org/x/sync/singleflight"
)

// DefaultReferenceTTL is how long a fetched reference is served from cache.
// The published hashes change rarely and are checked upstream every few
// minutes.
const DefaultReferenceTTL = 15 * time.Minute

// Reference is a published set of persisted-query hashes together with the
// web view version they belong to.
type Reference struct {
	Hashes  map[string]string
	Version string
}

// Source supplies references.
type Source interface {
	Hashes(ctx context.Context) (*Reference, error)
}

// StaticSource always serves the same reference, typically hashes pinned in
// the configuration.
type StaticSource struct {
	Reference Reference
}

func (s StaticSource) Hashes(context.Context) (*Reference, error) {
	if len(s.Reference.Hashes) == 0 {
		return nil, ErrEmptyReference
	}
	return &Reference{Hashes: maps.Clone(s.Reference.Hashes), Version: s.Reference.Version}, nil
}

// RemoteSourceConfig configures a RemoteSource.
type RemoteSourceConfig struct {
	URL string

	// TTL defaults to DefaultReferenceTTL.
	TTL time.Duration

	// Fallback is served when the remote reference cannot be fetched.
	Fallback *Reference

	HTTPClient *helper.HTTPClient
	Logger     *logger.GatedLogger
}

// RemoteSource fetches the reference JSON published by the imink project
// ({"graphql":{"hash_map":{...}},"version":"..."}) and caches it.
type RemoteSource struct {
	url      string
	fallback *Reference
	client   *helper.HTTPClient
	cache    *expirable.LRU[string, *Reference]
	group    singleflight.Group
	logger   *logger.GatedLogger
}

func NewRemoteSource(cfg RemoteSourceConfig) (*RemoteSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("reference url must be set")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultReferenceTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscardLogger()
	}
	log := cfg.Logger.WithSubsystem("query")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = helper.NewHTTPClient(nil, helper.DefaultHTTPRetryConfig(), log.Logger)
	}
	return &RemoteSource{
		url:      cfg.URL,
		fallback: cfg.Fallback,
		client:   cfg.HTTPClient,
		cache:    expirable.NewLRU[string, *Reference](1, nil, cfg.TTL),
		logger:   log,
	}, nil
}

// Hashes returns the cached reference or fetches a new one. Concurrent
// callers share a single fetch.
func (s *RemoteSource) Hashes(ctx context.Context) (*Reference, error) {
	if ref, ok := s.cache.Get(s.url); ok {
		return ref, nil
	}
	v, err, _ := s.group.Do(s.url, func() (interface{}, error) {
		if ref, ok := s.cache.Get(s.url); ok {
			return ref, nil
		}
		ref, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Add(s.url, ref)
		return ref, nil
	})
	if err != nil {
		s.group.Forget(s.url)
		if s.fallback != nil && len(s.fallback.Hashes) > 0 {
			s.logger.Warn("failed to fetch query hashes, using fallback",
				logger.String("url", s.url),
				logger.Err(err))
			return s.fallback, nil
		}
		return nil, err
	}
	return v.(*Reference), nil
}

// WebViewVersion returns the version published with the hashes. It fits
// nso.VersionResolverConfig.WebView.
func (s *RemoteSource) WebViewVersion(ctx context.Context) (string, error) {
	ref, err := s.Hashes(ctx)
	if err != nil {
		return "", err
	}
	if ref.Version == "" {
		return "", fmt.Errorf("reference at %s carries no web view version", s.url)
	}
	return ref.Version, nil
}

// Purge drops the cached reference so the next call fetches again.
func (s *RemoteSource) Purge() {
	s.cache.Purge()
}

func (s *RemoteSource) fetch(ctx context.Context) (*Reference, error) {
	start := time.Now()
	resp, err := s.client.Do(ctx, helper.HTTPRequest{
		Method:  http.MethodGet,
		URL:     s.url,
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch query hashes: %w", err)
	}

	var body struct {
		GraphQL struct {
			HashMap map[string]string `json:"hash_map"`
		} `json:"graphql"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("failed to decode query hashes: %w", err)
	}
	if len(body.GraphQL.HashMap) == 0 {
		return nil, fmt.Errorf("%w at %s", ErrEmptyReference, s.url)
	}

	s.logger.Debug("query hashes fetched",
		logger.String("url", s.url),
		logger.Int("queries", len(body.GraphQL.HashMap)),
		logger.String("version", body.Version),
		logger.Duration("took", time.Since(start)))
	return &Reference{Hashes: body.GraphQL.HashMap, Version: body.Version}, nil
}
