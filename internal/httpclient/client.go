// Package httpclient builds the pooled HTTP client shared by the provider
// transports. The client carries no overall timeout: unary calls are
// bounded by per-attempt context deadlines and streaming bodies stay open
// until the relay's inactivity watchdog closes them. Only the
// response-header wait is capped at the transport.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Options tunes the shared transport.
type Options struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
}

// Default returns the pooling profile used for provider traffic.
func Default() Options {
	return Options{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// New creates a pooled client. If opts is nil, Default() is used.
func New(opts *Options) *http.Client {
	if opts == nil {
		def := Default()
		opts = &def
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.DialTimeout,
				KeepAlive: opts.KeepAlive,
			}).DialContext,
			MaxIdleConns:          opts.MaxIdleConns,
			MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
			IdleConnTimeout:       opts.IdleConnTimeout,
			TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			ForceAttemptHTTP2:     true,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
