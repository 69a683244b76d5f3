package worker

import (
	"net"
	"net/http"
	"time"
)

// HTTPClient is the transfer capability a worker drives. *http.Client
// satisfies it; tests swap in a scripted implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	maxIdleConns          = 100
	perHostMax            = 8
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	dialTimeout           = 30 * time.Second
	keepAliveDuration     = 30 * time.Second
)

// NewClient creates an http.Client tuned for long-lived transfer streams.
// Redirects are never followed by the client; the worker resolves them itself
// so the redirect budget and URI persistence rules stay in one place.
func NewClient() *http.Client {
	transport := &http.Transport{
		// Connection pooling
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: perHostMax + 2, // Slightly more than max to handle bursts
		MaxConnsPerHost:     perHostMax,

		// Timeouts to prevent hung connections
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,

		// Payloads are usually already compressed; identity keeps
		// Content-Length meaningful for resume accounting.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,

		// Dial settings for TCP reliability
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAliveDuration,
		}).DialContext,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
