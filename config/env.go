package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
)

const (
	EnvLogLevel       = "SPLATAUTH_LOG_LEVEL"
	EnvLogFormat      = "SPLATAUTH_LOG_FORMAT"
	EnvLanguage       = "SPLATAUTH_LANGUAGE"
	EnvCountry        = "SPLATAUTH_COUNTRY"
	EnvAppVersion     = "SPLATAUTH_APP_VERSION"
	EnvWebViewVersion = "SPLATAUTH_WEB_VIEW_VERSION"
	EnvClientTimeout  = "SPLATAUTH_CLIENT_TIMEOUT"
	EnvMaxRetries     = "SPLATAUTH_MAX_RETRIES"
	EnvFTokenURLs     = "SPLATAUTH_FTOKEN_URLS"
	EnvRateLimit      = "SPLATAUTH_FTOKEN_RATE_LIMIT"
	EnvTokenFile      = "SPLATAUTH_TOKEN_FILE"
)

// ReadEnvironment applies SPLATAUTH_* overrides. If any value fails to parse,
// no field is changed.
func (c *Config) ReadEnvironment() error {
	var (
		envRetries   *int
		envTimeout   string
		envRate      float64
		envBurst     int
		envURLs      []string
		envTokenFile string
	)

	if v := os.Getenv(EnvMaxRetries); v != "" {
		n, err := parseutil.SafeParseIntRange(v, 0, math.MaxInt32)
		if err != nil {
			return fmt.Errorf("could not parse %s: %w", EnvMaxRetries, err)
		}
		retries := int(n)
		envRetries = &retries
	}
	if v := os.Getenv(EnvClientTimeout); v != "" {
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return fmt.Errorf("could not parse %s: %w", EnvClientTimeout, err)
		}
		envTimeout = d.String()
	}
	if v := os.Getenv(EnvRateLimit); v != "" {
		rate, burst, err := parseRateLimit(v)
		if err != nil {
			return err
		}
		envRate, envBurst = rate, burst
	}
	if v := os.Getenv(EnvFTokenURLs); v != "" {
		envURLs = strutil.ParseStringSlice(v, ",")
	}
	if v := os.Getenv(EnvTokenFile); v != "" {
		envTokenFile = v
	}

	if c.NSO == nil {
		c.NSO = DefaultConfig().NSO
	}
	if c.FToken == nil {
		c.FToken = DefaultConfig().FToken
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv(EnvLanguage); v != "" {
		c.NSO.Language = v
	}
	if v := os.Getenv(EnvCountry); v != "" {
		c.NSO.Country = strings.ToUpper(v)
	}
	if v := os.Getenv(EnvAppVersion); v != "" {
		c.NSO.AppVersion = v
	}
	if v := os.Getenv(EnvWebViewVersion); v != "" {
		c.NSO.WebViewVersion = v
	}
	if envRetries != nil {
		c.NSO.MaxRetries = envRetries
	}
	if envTimeout != "" {
		c.NSO.Timeout = envTimeout
	}
	if envRate > 0 {
		c.FToken.RateLimit = envRate
		c.FToken.Burst = envBurst
	}
	if len(envURLs) > 0 {
		c.FToken.URLs = envURLs
	}
	if envTokenFile != "" {
		c.Storage = &StorageBlock{Type: "file", Path: envTokenFile}
	}
	return nil
}

// parseRateLimit accepts "rate" or "rate:burst".
func parseRateLimit(val string) (rate float64, burst int, err error) {
	if _, err = fmt.Sscanf(val, "%f:%d", &rate, &burst); err == nil {
		return rate, burst, nil
	}
	rate, err = strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%s was provided but incorrectly formatted", EnvRateLimit)
	}
	burst = int(math.Max(1, math.Ceil(rate)))
	return rate, burst, nil
}
