// Package core assembles the credential manager, the identity exchanger and
// the query catalog from a configuration.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/splatauth/config"
	"github.com/stephnangue/splatauth/credential"
	"github.com/stephnangue/splatauth/ftoken"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
	"github.com/stephnangue/splatauth/nso"
	"github.com/stephnangue/splatauth/physical"
	"github.com/stephnangue/splatauth/physical/bolt"
	"github.com/stephnangue/splatauth/physical/file"
	"github.com/stephnangue/splatauth/physical/inmem"
	"github.com/stephnangue/splatauth/physical/redis"
	"github.com/stephnangue/splatauth/query"
)

// StorageBackends are the storage types a configuration can name.
var StorageBackends = map[string]physical.Factory{
	"file":  file.NewBackend,
	"bolt":  bolt.NewBackend,
	"redis": redis.NewBackend,
	"inmem": inmem.NewBackend,
}

// ErrUnknownStorage is returned for a storage type missing from the
// factories.
var ErrUnknownStorage = errors.New("unknown storage type")

type Core struct {
	config *config.Config
	logger *logger.GatedLogger

	storage   physical.Backend
	endpoints nso.Endpoints
	versions  *nso.VersionResolver
	client    *nso.Client
	manager   *credential.Manager
	catalog   *query.Catalog
	builder   *query.Builder
	hashes    query.Source
}

type CoreConfig struct {
	RawConfig *config.Config

	Logger *logger.GatedLogger

	// StorageBackends replaces the package-level factories when set.
	StorageBackends map[string]physical.Factory

	// FToken replaces the HTTP signing oracle, for instance with a local
	// signer.
	FToken ftoken.Provider

	// Endpoints overrides the upstream hosts. Unset fields keep production.
	Endpoints nso.Endpoints

	Metrics    credential.MetricSink
	HTTPClient *http.Client
}

// BuildLogger makes the logger described by cfg. Its gate starts closed;
// call OpenGate once start-up output may be shown.
func BuildLogger(cfg *config.Config) *logger.GatedLogger {
	logConfig := &logger.Config{
		Level:     logger.ParseLogLevel(cfg.LogLevel),
		Subsystem: "core",
		Format:    logger.ParseOutputFormat(cfg.LogFormat),
		Outputs:   []io.Writer{os.Stderr},
	}
	if cfg.LogFile != "" {
		logConfig.FileConfig = logger.DefaultFileConfig(cfg.LogFile)
		if cfg.LogRotateMegabytes > 0 {
			logConfig.FileConfig.MaxSize = cfg.LogRotateMegabytes
		}
		if cfg.LogRotateMaxFiles > 0 {
			logConfig.FileConfig.MaxBackups = cfg.LogRotateMaxFiles
		}
	}

	gated, _ := logger.NewGatedLogger(logConfig, logger.GatedWriterConfig{
		Underlying:    os.Stderr,
		InitialState:  logger.GateClosed,
		MaxBufferSize: 1024 * 1024,
	})
	return gated
}

// NewCore validates conf and builds every component. Credentials come from
// the SN3S_* environment variables when any is set, else from the
// configured storage; with neither, the manager starts empty and needs a
// login.
func NewCore(ctx context.Context, conf *CoreConfig) (*Core, error) {
	if conf.RawConfig == nil {
		conf.RawConfig = config.DefaultConfig()
	}
	cfg := conf.RawConfig
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if conf.Logger == nil {
		conf.Logger = BuildLogger(cfg)
	}
	if conf.StorageBackends == nil {
		conf.StorageBackends = StorageBackends
	}
	def := config.DefaultConfig()
	if cfg.NSO == nil {
		cfg.NSO = def.NSO
	}
	if cfg.FToken == nil {
		cfg.FToken = def.FToken
	}

	c := &Core{
		config:    cfg,
		logger:    conf.Logger,
		endpoints: conf.Endpoints.WithDefaults(),
	}
	if err := c.build(ctx, conf); err != nil {
		c.release()
		return nil, err
	}

	c.logger.Info("core ready",
		logger.String("credentials", c.manager.Origin().String()),
		logger.String("storage", c.storage.Location()))
	return c, nil
}

func (c *Core) build(ctx context.Context, conf *CoreConfig) error {
	var err error
	if c.storage, err = c.buildStorage(conf.StorageBackends); err != nil {
		return err
	}

	retry, err := c.retryConfig(c.config.NSOTimeout)
	if err != nil {
		return err
	}
	httpClient := helper.NewHTTPClient(conf.HTTPClient, retry, c.logger.WithSystem("http").Logger)

	if c.hashes, err = c.buildHashSource(httpClient); err != nil {
		return err
	}
	c.catalog = query.NewCatalog(c.logger.WithSystem("query"))
	c.builder = query.NewBuilder(c.catalog, c.logger.WithSystem("query"))

	if c.versions, err = c.buildVersions(httpClient); err != nil {
		return err
	}

	provider := conf.FToken
	if provider == nil {
		if provider, err = c.buildFTokenProvider(conf.HTTPClient); err != nil {
			return err
		}
	}

	c.client, err = nso.NewClient(nso.Config{
		Endpoints:  c.endpoints,
		FToken:     provider,
		Versions:   c.versions,
		UserAgent:  c.config.NSO.UserAgent,
		HTTPClient: conf.HTTPClient,
		Retry:      retry,
		Logger:     c.logger.WithSystem("nso"),
	})
	if err != nil {
		return err
	}

	c.manager, err = c.loadCredentials(ctx, credential.Options{
		Backend: c.storage,
		Logger:  c.logger,
		Metrics: conf.Metrics,
	})
	return err
}

// release closes whatever build managed to open.
func (c *Core) release() {
	if c.client != nil {
		c.client.Close()
	}
	if c.versions != nil {
		c.versions.Close()
	}
	if c.storage != nil {
		if err := c.storage.Close(); err != nil {
			c.logger.Warn("failed to close storage", logger.Err(err))
		}
	}
}

func (c *Core) retryConfig(timeout func() (time.Duration, error)) (helper.HTTPRetryConfig, error) {
	retry := helper.DefaultHTTPRetryConfig()
	retry.MaxRetries = c.config.MaxRetries()
	d, err := timeout()
	if err != nil {
		return retry, err
	}
	retry.Timeout = d
	return retry, nil
}

func (c *Core) buildStorage(factories map[string]physical.Factory) (physical.Backend, error) {
	if c.config.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}
	factory, ok := factories[c.config.Storage.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownStorage, c.config.Storage.Type)
	}
	storage, err := factory(c.config.Storage.Config(), c.logger.WithSystem("storage."+c.config.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", c.config.Storage.Type, err)
	}
	return storage, nil
}

// buildHashSource serves pinned hashes when the remote reference is
// disabled, and otherwise falls back to them when it cannot be fetched.
func (c *Core) buildHashSource(httpClient *helper.HTTPClient) (query.Source, error) {
	q := c.config.Query
	var pinned *query.Reference
	if q != nil && len(q.Hashes) > 0 {
		pinned = &query.Reference{Hashes: q.Hashes, Version: c.config.NSO.WebViewVersion}
	}
	if q == nil || q.Disabled || q.ReferenceURL == "" {
		if pinned == nil {
			return nil, errors.New("query hashes must be configured when the remote reference is disabled")
		}
		return query.StaticSource{Reference: *pinned}, nil
	}
	ttl, err := c.config.ReferenceTTL()
	if err != nil {
		return nil, err
	}
	return query.NewRemoteSource(query.RemoteSourceConfig{
		URL:        q.ReferenceURL,
		TTL:        ttl,
		Fallback:   pinned,
		HTTPClient: httpClient,
		Logger:     c.logger.WithSystem("query"),
	})
}

func (c *Core) buildVersions(httpClient *helper.HTTPClient) (*nso.VersionResolver, error) {
	vc := nso.VersionResolverConfig{
		AppStoreURL:    c.endpoints.AppStore,
		AppVersion:     c.config.NSO.AppVersion,
		WebViewVersion: c.config.NSO.WebViewVersion,
		HTTPClient:     httpClient,
		Logger:         c.logger.WithSystem("nso"),
	}
	if remote, ok := c.hashes.(*query.RemoteSource); ok {
		vc.WebView = remote.WebViewVersion
	} else {
		vc.WebView = func(ctx context.Context) (string, error) {
			ref, err := c.hashes.Hashes(ctx)
			if err != nil {
				return "", err
			}
			if ref.Version == "" {
				return "", errors.New("no web view version configured")
			}
			return ref.Version, nil
		}
	}
	return nso.NewVersionResolver(vc)
}

func (c *Core) buildFTokenProvider(httpClient *http.Client) (ftoken.Provider, error) {
	retry, err := c.retryConfig(c.config.FTokenTimeout)
	if err != nil {
		return nil, err
	}
	f := c.config.FToken
	return ftoken.NewHTTPProvider(ftoken.HTTPProviderConfig{
		URLs:       f.URLs,
		RateLimit:  f.RateLimit,
		Burst:      f.Burst,
		AppVersion: c.versions.AppVersion,
		HTTPClient: httpClient,
		Retry:      retry,
		Logger:     c.logger.WithSystem("ftoken"),
	})
}

func (c *Core) loadCredentials(ctx context.Context, opts credential.Options) (*credential.Manager, error) {
	m, err := credential.FromEnv(c.client, opts)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, credential.ErrNoCredentials) {
		return nil, err
	}

	m, err = credential.FromBackend(ctx, c.client, c.storage, opts)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, credential.ErrNoCredentials) {
		return nil, fmt.Errorf("failed to load credentials from %s: %w", c.storage.Location(), err)
	}

	c.logger.Warn("no credentials found, a login is required",
		logger.String("storage", c.storage.Location()))
	return credential.NewManager(c.client, opts), nil
}

func (c *Core) Manager() *credential.Manager { return c.manager }

func (c *Core) Client() *nso.Client { return c.client }

func (c *Core) Catalog() *query.Catalog { return c.catalog }

func (c *Core) Builder() *query.Builder { return c.builder }

func (c *Core) Storage() physical.Backend { return c.storage }

func (c *Core) Logger() *logger.GatedLogger { return c.logger }

// Close saves the credentials held and releases every component.
func (c *Core) Close(ctx context.Context) error {
	var result *multierror.Error
	if len(c.manager.Store().Credentials()) > 0 {
		if err := c.manager.Save(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to save credentials: %w", err))
		}
	}
	c.client.Close()
	c.versions.Close()
	if err := c.storage.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close storage: %w", err))
	}
	c.logger.Info("core closed")
	return result.ErrorOrNil()
}
