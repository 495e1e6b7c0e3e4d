// Package nso walks the Nintendo Switch Online identity chain, from the
// browser login redirect to a SplatNet 3 bullet token.
//
// The chain is a closed set of State variants. Each transition is a method
// on Client that consumes one state and returns the next, or a *StepError.
// Nothing here caches: callers that want reuse keep the states they got.
package nso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stephnangue/splatauth/challenge"
	"github.com/stephnangue/splatauth/ftoken"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
)

// Config configures a Client.
type Config struct {
	Endpoints Endpoints

	// FToken signs the two Coral requests. Required.
	FToken ftoken.Provider

	// Versions supplies the app and web view versions. When nil the client
	// builds its own, which can only discover the app version.
	Versions *VersionResolver

	// UserAgent is the web view user agent sent to SplatNet.
	UserAgent string

	HTTPClient *http.Client
	Retry      helper.HTTPRetryConfig
	Logger     *logger.GatedLogger

	// Now is the clock used to date minted tokens.
	Now func() time.Time
}

// Client performs the identity chain transitions.
type Client struct {
	endpoints    Endpoints
	ftoken       ftoken.Provider
	versions     *VersionResolver
	ownsVersions bool
	userAgent    string
	http         *helper.HTTPClient
	logger       *logger.GatedLogger
	now          func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.FToken == nil {
		return nil, errors.New("nso: an f-token provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscardLogger()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	retry := cfg.Retry
	if retry.MaxBodySize == 0 && retry.RetryWaitMax == 0 {
		retry = helper.DefaultHTTPRetryConfig()
	}
	httpClient := helper.NewHTTPClient(cfg.HTTPClient, retry, cfg.Logger.Logger)
	endpoints := cfg.Endpoints.WithDefaults()

	c := &Client{
		endpoints: endpoints,
		ftoken:    cfg.FToken,
		versions:  cfg.Versions,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.versions == nil {
		v, err := NewVersionResolver(VersionResolverConfig{
			AppStoreURL: endpoints.AppStore,
			HTTPClient:  httpClient,
			Logger:      cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		c.versions = v
		c.ownsVersions = true
	}
	return c, nil
}

// Versions is the resolver the client claims versions from.
func (c *Client) Versions() *VersionResolver { return c.versions }

// Close releases a resolver the client built itself.
func (c *Client) Close() {
	if c.ownsVersions {
		c.versions.Close()
	}
}

// BeginLogin draws fresh PKCE material. The user opens the returned state's
// URL in a browser and hands the redirect to Redeem.
func (c *Client) BeginLogin() (AwaitingLoginCode, error) {
	pair, err := challenge.New()
	if err != nil {
		return AwaitingLoginCode{}, err
	}
	return AwaitingLoginCode{Verifier: pair.Verifier, State: pair.State, URL: pair.URL}, nil
}

// Advance performs the single transition out of s.
func (c *Client) Advance(ctx context.Context, s State) (State, error) {
	switch st := s.(type) {
	case AwaitingLoginCode:
		return nil, &StepError{Stage: st.Stage(), Err: ErrLoginRequired}
	case HaveSessionTokenCode:
		return c.SessionToken(ctx, st)
	case HaveSessionToken:
		return c.AccessCredentials(ctx, st)
	case HaveAccessCredentials:
		return c.Profile(ctx, st)
	case HaveProfile:
		return c.FirstFToken(ctx, st)
	case HaveFirstFToken:
		return c.WebServiceToken(ctx, st)
	case HaveWebServiceToken:
		return c.SecondFToken(ctx, st)
	case HaveSecondFToken:
		return c.GameWebToken(ctx, st)
	case HaveGameWebToken:
		return c.BulletToken(ctx, st)
	case Ready:
		return nil, &StepError{Stage: st.Stage(), Err: ErrChainComplete}
	case nil:
		return nil, errors.New("nso: nil state")
	}
	return nil, fmt.Errorf("nso: unknown state %T", s)
}

// Run advances s until Ready, stopping at the first failure.
func (c *Client) Run(ctx context.Context, s State) (Ready, error) {
	for {
		if r, ok := s.(Ready); ok {
			return r, nil
		}
		next, err := c.Advance(ctx, s)
		if err != nil {
			return Ready{}, err
		}
		s = next
	}
}

// exchange executes req and decodes a JSON body into out.
func (c *Client) exchange(ctx context.Context, stage Stage, req helper.HTTPRequest, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.logger.Debug("exchange failed",
			logger.String("stage", stage.String()),
			logger.Duration("took", time.Since(start)),
			logger.Err(err))
		return transportError(stage, err)
	}
	c.logger.Trace("exchange completed",
		logger.String("stage", stage.String()),
		logger.Int("status", resp.StatusCode),
		logger.Duration("took", time.Since(start)))

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return malformed(stage, "%v", err)
	}
	return nil
}

func (c *Client) coralHeaders(ctx context.Context) map[string]string {
	version := c.versions.AppVersion(ctx)
	return map[string]string{
		"X-Platform":       "Android",
		"X-ProductVersion": version,
		"Content-Type":     "application/json; charset=utf-8",
		"User-Agent":       "com.nintendo.znca/" + version + "(Android/7.1.2)",
	}
}
