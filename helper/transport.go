package helper

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/net/http2"
)

// NewPooledTransport returns a keep-alive transport tuned for the handful of
// Nintendo hosts a session talks to, with HTTP/2 enabled.
func NewPooledTransport() *http.Transport {
	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = 8
	transport.IdleConnTimeout = 90 * time.Second
	transport.ResponseHeaderTimeout = 30 * time.Second
	transport.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ClientSessionCache: tls.NewLRUClientSessionCache(32),
	}
	transport.ForceAttemptHTTP2 = true

	// Fails only if h2 is already registered on this transport.
	_ = http2.ConfigureTransport(transport)

	return transport
}

// NewPooledClient returns an http.Client on NewPooledTransport. Redirects
// are followed by default.
func NewPooledClient() *http.Client {
	return &http.Client{Transport: NewPooledTransport()}
}
