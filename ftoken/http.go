package ftoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/splatauth/helper"
	"github.com/stephnangue/splatauth/logger"
	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies this client to the oracle.
const DefaultUserAgent = "splatauth/0.1.0"

// HTTPProviderConfig configures an HTTPProvider.
type HTTPProviderConfig struct {
	// URLs are tried in order; the first successful answer wins.
	URLs []string

	// RateLimit is requests per second across all URLs; zero disables it.
	RateLimit float64
	Burst     int

	UserAgent string

	// AppVersion reports the NSO app version sent as X-znca-Version. It is
	// called once per request.
	AppVersion func(ctx context.Context) string

	HTTPClient *http.Client
	Retry      helper.HTTPRetryConfig
	Logger     *logger.GatedLogger
}

// HTTPProvider asks a third-party signing oracle over HTTP.
type HTTPProvider struct {
	urls       []string
	userAgent  string
	appVersion func(ctx context.Context) string
	limiter    *rate.Limiter
	client     *helper.HTTPClient
	logger     *logger.GatedLogger
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider builds a provider. At least one URL is required.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("ftoken: at least one oracle URL is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDiscardLogger()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	retry := cfg.Retry
	if retry.MaxBodySize == 0 && retry.RetryWaitMax == 0 {
		retry = helper.DefaultHTTPRetryConfig()
	}

	return &HTTPProvider{
		urls:       urls,
		userAgent:  cfg.UserAgent,
		appVersion: cfg.AppVersion,
		limiter:    limiter,
		client:     helper.NewHTTPClient(cfg.HTTPClient, retry, cfg.Logger.Logger),
		logger:     cfg.Logger,
	}, nil
}

type signRequest struct {
	Token       string `json:"token"`
	HashMethod  int    `json:"hash_method"`
	NAID        string `json:"na_id"`
	CoralUserID string `json:"coral_user_id,omitempty"`
}

type signResponse struct {
	F         string          `json:"f"`
	RequestID string          `json:"request_id"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// FToken signs req with the first oracle that answers.
func (p *HTTPProvider) FToken(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(signRequest{
		Token:       req.Token,
		HashMethod:  int(req.Step),
		NAID:        req.NAID,
		CoralUserID: req.CoralUserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode f-token request: %w", err)
	}

	headers := map[string]string{
		"User-Agent":      p.userAgent,
		"Content-Type":    "application/json; charset=utf-8",
		"X-znca-Platform": "Android",
	}
	if p.appVersion != nil {
		if v := p.appVersion(ctx); v != "" {
			headers["X-znca-Version"] = v
		}
	}

	var result *multierror.Error
	for _, u := range p.urls {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
			}
		}

		res, err := p.sign(ctx, u, body, headers)
		if err == nil {
			p.logger.Debug("f-token obtained",
				logger.String("url", u),
				logger.String("step", req.Step.String()),
				logger.String("request_id", res.RequestID))
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		p.logger.Warn("f-token oracle failed, trying next",
			logger.String("url", u),
			logger.String("step", req.Step.String()),
			logger.Err(err))
		result = multierror.Append(result, fmt.Errorf("%s: %w", u, err))
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, result.ErrorOrNil())
}

func (p *HTTPProvider) sign(ctx context.Context, url string, body []byte, headers map[string]string) (*Result, error) {
	resp, err := p.client.Do(ctx, helper.HTTPRequest{
		Method:  http.MethodPost,
		URL:     url,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}

	var sr signResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if sr.F == "" {
		return nil, fmt.Errorf("%w: missing f", ErrMalformedResponse)
	}
	ts, err := parseTimestamp(sr.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return &Result{F: sr.F, RequestID: sr.RequestID, Timestamp: ts}, nil
}

// parseTimestamp accepts the timestamp as a JSON number or a quoted number;
// oracles disagree on which.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, errors.New("missing timestamp")
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts, nil
}
