package nso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultVersionTTL is how long a discovered version is trusted.
	DefaultVersionTTL = time.Hour

	// fallbackTTL keeps a failed scrape from being retried on every request.
	fallbackTTL = 5 * time.Minute

	appVersionKey     = "app"
	webViewVersionKey = "web_view"

	latestVersionClass = "whats-new__latest__version"
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// VersionResolverConfig configures a VersionResolver.
type VersionResolverConfig struct {
	AppStoreURL string

	// Pinned values skip discovery entirely.
	AppVersion     string
	WebViewVersion string

	// WebView looks up the current SplatNet web view version, typically
	// from the persisted-query reference.
	WebView func(ctx context.Context) (string, error)

	TTL        time.Duration
	HTTPClient *helper.HTTPClient
	Logger     *logger.GatedLogger
}

// VersionResolver discovers the NSO app version and SplatNet web view
// version the client must claim, caching both.
type VersionResolver struct {
	appStoreURL   string
	pinnedApp     string
	pinnedWebView string
	webView       func(ctx context.Context) (string, error)
	ttl           time.Duration
	client        *helper.HTTPClient
	cache         *ristretto.Cache[string, string]
	group         singleflight.Group
	logger        *logger.GatedLogger
}

// NewVersionResolver builds a resolver. Close releases its cache.
func NewVersionResolver(cfg VersionResolverConfig) (*VersionResolver, error) {
	if cfg.AppStoreURL == "" {
		cfg.AppStoreURL = DefaultEndpoints().AppStore
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultVersionTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscardLogger()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = helper.NewHTTPClient(nil, helper.DefaultHTTPRetryConfig(), cfg.Logger.Logger)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        100,
		MaxCost:            10,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize version cache: %w", err)
	}

	return &VersionResolver{
		appStoreURL:   cfg.AppStoreURL,
		pinnedApp:     cfg.AppVersion,
		pinnedWebView: cfg.WebViewVersion,
		webView:       cfg.WebView,
		ttl:           cfg.TTL,
		client:        cfg.HTTPClient,
		cache:         cache,
		logger:        cfg.Logger,
	}, nil
}

// AppVersion never fails: when the app store cannot be read it answers
// FallbackAppVersion.
func (r *VersionResolver) AppVersion(ctx context.Context) string {
	if r.pinnedApp != "" {
		return r.pinnedApp
	}
	if v, ok := r.cache.Get(appVersionKey); ok {
		return v
	}

	v, _, _ := r.group.Do(appVersionKey, func() (interface{}, error) {
		version, err := r.scrapeAppVersion(ctx)
		if err != nil {
			r.logger.Warn("failed to get app version from the app store, using fallback",
				logger.String("fallback", FallbackAppVersion),
				logger.Err(err))
			r.set(appVersionKey, FallbackAppVersion, fallbackTTL)
			return FallbackAppVersion, nil
		}
		r.logger.Debug("app version discovered", logger.String("version", version))
		r.set(appVersionKey, version, r.ttl)
		return version, nil
	})
	return v.(string)
}

// WebViewVersion returns the version SplatNet expects in X-Web-View-Ver.
func (r *VersionResolver) WebViewVersion(ctx context.Context) (string, error) {
	if r.pinnedWebView != "" {
		return r.pinnedWebView, nil
	}
	if v, ok := r.cache.Get(webViewVersionKey); ok {
		return v, nil
	}
	if r.webView == nil {
		return "", errors.New("no web view version configured")
	}

	v, err, _ := r.group.Do(webViewVersionKey, func() (interface{}, error) {
		version, err := r.webView(ctx)
		if err != nil {
			return "", err
		}
		if version == "" {
			return "", errors.New("empty web view version")
		}
		r.set(webViewVersionKey, version, r.ttl)
		return version, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve web view version: %w", err)
	}
	return v.(string), nil
}

// ForgetWebViewVersion drops a cached web view version SplatNet called
// obsolete. A pinned version is kept.
func (r *VersionResolver) ForgetWebViewVersion() {
	r.cache.Del(webViewVersionKey)
	r.cache.Wait()
}

func (r *VersionResolver) Close() {
	r.cache.Close()
}

func (r *VersionResolver) set(key, value string, ttl time.Duration) {
	r.cache.SetWithTTL(key, value, 1, ttl)
	r.cache.Wait()
}

func (r *VersionResolver) scrapeAppVersion(ctx context.Context) (string, error) {
	resp, err := r.client.Do(ctx, helper.HTTPRequest{
		Method:  http.MethodGet,
		URL:     r.appStoreURL,
		Headers: map[string]string{"Accept": "text/html"},
	})
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("failed to parse app store page: %w", err)
	}
	node := findByClass(doc, latestVersionClass)
	if node == nil {
		return "", errors.New("latest version element not found")
	}
	version := versionPattern.FindString(textContent(node))
	if version == "" {
		return "", errors.New("latest version element has no version number")
	}
	return version, nil
}

func findByClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "class" && containsField(a.Val, class) {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

func containsField(s, field string) bool {
	for _, f := range strings.Fields(s) {
		if f == field {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
