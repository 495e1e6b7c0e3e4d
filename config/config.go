package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultLanguage     = "en-US"
	DefaultCountry      = "US"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 2
	DefaultReferenceTTL = 15 * time.Minute
	DefaultTokenFile    = ".splatauth"
	DefaultFTokenRate   = 1.0
	DefaultFTokenBurst  = 2
)

// DefaultFTokenURLs are tried in order until one signs successfully.
var DefaultFTokenURLs = []string{
	"https://api.imink.app/f",
	"https://nxapi-znca-api.fancy.org.uk/api/znca/f",
}

// DefaultReferenceURL serves the persisted-query hash map and web view version.
const DefaultReferenceURL = "https://raw.githubusercontent.com/imink-app/SplatNet3/master/Data/splatnet3_webview_data.json"

// Config is the configuration for splatauth.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	NSO     *NSOBlock     `hcl:"nso,block"`
	FToken  *FTokenBlock  `hcl:"ftoken,block"`
	Storage *StorageBlock `hcl:"storage,block"`
	Query   *QueryBlock   `hcl:"query,block"`
}

// NSOBlock tunes the identity exchange and the client fingerprint.
type NSOBlock struct {
	AppVersion     string `hcl:"app_version,optional"`      // pin instead of scraping the app store
	WebViewVersion string `hcl:"web_view_version,optional"` // pin instead of reading the reference
	Language       string `hcl:"language,optional"`
	Country        string `hcl:"country,optional"`
	UserAgent      string `hcl:"user_agent,optional"` // web view user agent; empty keeps the built-in one
	Timeout        string `hcl:"timeout,optional"`
	MaxRetries     *int   `hcl:"max_retries,optional"`
}

// FTokenBlock configures the signing oracle.
type FTokenBlock struct {
	URLs      []string `hcl:"urls,optional"`
	RateLimit float64  `hcl:"rate_limit,optional"`
	Burst     int      `hcl:"burst,optional"`
	Timeout   string   `hcl:"timeout,optional"`
}

// StorageBlock selects where tokens are persisted.
type StorageBlock struct {
	Type string `hcl:"type,label"` // "file", "bolt", "redis" or "inmem"

	// file and bolt
	Path string `hcl:"path,optional"`

	// bolt
	Bucket string `hcl:"bucket,optional"`

	// redis
	Address  string `hcl:"address,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
	Prefix   string `hcl:"prefix,optional"`
}

// Config flattens the block into the map handed to a physical.Factory.
func (s *StorageBlock) Config() map[string]string {
	out := map[string]string{"type": s.Type}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("path", s.Path)
	set("bucket", s.Bucket)
	set("address", s.Address)
	set("password", s.Password)
	set("prefix", s.Prefix)
	if s.DB != 0 {
		out["db"] = strconv.Itoa(s.DB)
	}
	return out
}

// QueryBlock configures the persisted-query catalog.
type QueryBlock struct {
	ReferenceURL string            `hcl:"reference_url,optional"`
	CacheTTL     string            `hcl:"cache_ttl,optional"`
	Hashes       map[string]string `hcl:"hashes,optional"`
	Disabled     bool              `hcl:"disable_remote,optional"`
}

// DefaultConfig returns a configuration with every block populated.
func DefaultConfig() *Config {
	retries := DefaultMaxRetries
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		NSO: &NSOBlock{
			Language:   DefaultLanguage,
			Country:    DefaultCountry,
			Timeout:    DefaultTimeout.String(),
			MaxRetries: &retries,
		},
		FToken: &FTokenBlock{
			URLs:      append([]string(nil), DefaultFTokenURLs...),
			RateLimit: DefaultFTokenRate,
			Burst:     DefaultFTokenBurst,
			Timeout:   DefaultTimeout.String(),
		},
		Storage: &StorageBlock{Type: "file", Path: DefaultTokenFile},
		Query: &QueryBlock{
			ReferenceURL: DefaultReferenceURL,
			CacheTTL:     DefaultReferenceTTL.String(),
		},
	}
}

// LoadConfig decodes an HCL file, fills unset values from DefaultConfig and
// applies SPLATAUTH_* environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.ReadEnvironment(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.NSO == nil {
		c.NSO = def.NSO
	} else {
		n := c.NSO
		if n.Language == "" {
			n.Language = def.NSO.Language
		}
		if n.Country == "" {
			n.Country = def.NSO.Country
		}
		if n.Timeout == "" {
			n.Timeout = def.NSO.Timeout
		}
		if n.MaxRetries == nil {
			n.MaxRetries = def.NSO.MaxRetries
		}
	}
	if c.FToken == nil {
		c.FToken = def.FToken
	} else {
		f := c.FToken
		if len(f.URLs) == 0 {
			f.URLs = def.FToken.URLs
		}
		if f.RateLimit == 0 {
			f.RateLimit = def.FToken.RateLimit
		}
		if f.Burst == 0 {
			f.Burst = def.FToken.Burst
		}
		if f.Timeout == "" {
			f.Timeout = def.FToken.Timeout
		}
	}
	if c.Storage == nil {
		c.Storage = def.Storage
	}
	if c.Query == nil {
		c.Query = def.Query
	} else {
		if c.Query.ReferenceURL == "" {
			c.Query.ReferenceURL = def.Query.ReferenceURL
		}
		if c.Query.CacheTTL == "" {
			c.Query.CacheTTL = def.Query.CacheTTL
		}
	}
}

// Validate reports configuration errors that would only surface mid-exchange.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.NSOTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FTokenTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReferenceTTL(); err != nil {
		errs = append(errs, err)
	}
	if c.NSO != nil && c.NSO.MaxRetries != nil && *c.NSO.MaxRetries < 0 {
		errs = append(errs, errors.New("nso.max_retries must not be negative"))
	}
	if c.Storage != nil {
		switch c.Storage.Type {
		case "file", "bolt":
			if c.Storage.Path == "" {
				errs = append(errs, fmt.Errorf("storage %q requires a path", c.Storage.Type))
			}
		case "redis":
			if c.Storage.Address == "" {
				errs = append(errs, errors.New(`storage "redis" requires an address`))
			}
		case "inmem":
		default:
			errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
		}
	}
	return errors.Join(errs...)
}

// NSOTimeout is the per-request timeout for identity exchanges.
func (c *Config) NSOTimeout() (time.Duration, error) {
	if c.NSO == nil || c.NSO.Timeout == "" {
		return DefaultTimeout, nil
	}
	d, err := parseutil.ParseDurationSecond(c.NSO.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid nso.timeout: %w", err)
	}
	return d, nil
}

// FTokenTimeout is the per-request timeout for the signing oracle.
func (c *Config) FTokenTimeout() (time.Duration, error) {
	if c.FToken == nil || c.FToken.Timeout == "" {
		return DefaultTimeout, nil
	}
	d, err := parseutil.ParseDurationSecond(c.FToken.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid ftoken.timeout: %w", err)
	}
	return d, nil
}

// ReferenceTTL is how long a fetched hash reference stays fresh.
func (c *Config) ReferenceTTL() (time.Duration, error) {
	if c.Query == nil || c.Query.CacheTTL == "" {
		return DefaultReferenceTTL, nil
	}
	d, err := parseutil.ParseDurationSecond(c.Query.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid query.cache_ttl: %w", err)
	}
	return d, nil
}

// MaxRetries returns the transient-failure retry budget per request.
func (c *Config) MaxRetries() int {
	if c.NSO == nil || c.NSO.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.NSO.MaxRetries
}
