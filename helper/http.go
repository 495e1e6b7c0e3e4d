package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stephnangue/splatauth/logger"
)

const (
	// DefaultMaxBodySize is the default maximum response body size (1MB)
	DefaultMaxBodySize = 1 << 20
)

var (
	// ErrRejected means the upstream answered with a status that retrying
	// cannot change.
	ErrRejected = errors.New("request rejected")

	// ErrUnavailable means the upstream could not be reached, or kept failing
	// transiently until the retry budget ran out.
	ErrUnavailable = errors.New("upstream unavailable")
)

// HTTPRetryConfig configures HTTP retry behavior
type HTTPRetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the exponential backoff.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// Timeout applies to each attempt, not to the whole retry sequence.
	Timeout time.Duration

	// MaxBodySize is the maximum response body size to read
	MaxBodySize int64

	// RetryableStatuses are HTTP status codes that should be retried
	// Special value 500 matches all 5xx errors (500-599)
	RetryableStatuses []int
}

// DefaultHTTPRetryConfig retries rate limiting and server errors.
func DefaultHTTPRetryConfig() HTTPRetryConfig {
	return HTTPRetryConfig{
		MaxRetries:        2,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      5 * time.Second,
		Timeout:           30 * time.Second,
		MaxBodySize:       DefaultMaxBodySize,
		RetryableStatuses: []int{http.StatusTooManyRequests, http.StatusInternalServerError},
	}
}

func (c HTTPRetryConfig) isRetryable(status int) bool {
	for _, s := range c.RetryableStatuses {
		if s == http.StatusInternalServerError && status >= 500 && status < 600 {
			return true
		}
		if status == s {
			return true
		}
	}
	return false
}

// HTTPRequest represents a prepared HTTP request
type HTTPRequest struct {
	// Method is the HTTP method (GET, POST, etc.)
	Method string

	// URL is the request URL
	URL string

	// Body is the request body (optional)
	Body []byte

	// Headers are request headers
	Headers map[string]string

	// Cookies are attached after the headers
	Cookies []*http.Cookie

	// OKStatuses are status codes considered successful (default: 200-299)
	OKStatuses []int
}

func (r HTTPRequest) isOK(status int) bool {
	if len(r.OKStatuses) == 0 {
		return status >= 200 && status < 300
	}
	for _, ok := range r.OKStatuses {
		if status == ok {
			return true
		}
	}
	return false
}

// HTTPResponse is a fully read response.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError carries the status and body of a response outside OKStatuses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// HTTPClient executes HTTPRequests with retries on transient failures.
type HTTPClient struct {
	client *retryablehttp.Client
	config HTTPRetryConfig
}

// NewHTTPClient wraps httpClient (a pooled client when nil). Retry attempts
// are logged through log when it is non-nil.
func NewHTTPClient(httpClient *http.Client, config HTTPRetryConfig, log logger.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = NewPooledClient()
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Timeout > 0 {
		hc := *httpClient
		hc.Timeout = config.Timeout
		httpClient = &hc
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = httpClient
	rc.RetryMax = config.MaxRetries
	rc.RetryWaitMin = config.RetryWaitMin
	rc.RetryWaitMax = config.RetryWaitMax
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = config.checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if log != nil {
		rc.Logger = logger.NewHCLogAdapter(log)
	}

	return &HTTPClient{client: rc, config: config}
}

// checkRetry retries network errors and RetryableStatuses, never other
// statuses, and stops as soon as the caller's context is done.
func (c HTTPRetryConfig) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return c.isRetryable(resp.StatusCode), nil
}

// Do executes req. Errors wrap ErrUnavailable (network, exhausted retries)
// or ErrRejected (any other status outside req.OKStatuses); in both status
// cases the chain also holds a *StatusError.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	var body interface{}
	if req.Body != nil {
		body = req.Body
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, ck := range req.Cookies {
		httpReq.AddCookie(ck)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, bodyErr := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodySize))

	if req.isOK(resp.StatusCode) {
		if bodyErr != nil {
			return nil, fmt.Errorf("%w: status %d but failed to read body: %w", ErrUnavailable, resp.StatusCode, bodyErr)
		}
		return &HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
	}

	bodyStr := string(respBody)
	if bodyErr != nil {
		bodyStr = fmt.Sprintf("[body read error: %v]", bodyErr)
	}
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: bodyStr}
	if c.config.isRetryable(resp.StatusCode) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, statusErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrRejected, statusErr)
}
