// Package network builds the HTTP clients handed to catalogs.
package network

import (
	"net/http"
	"time"

	"github.com/novelshelf/catalogd/internal/ratelimit"
)

// FactoryOptions configures a Factory.
type FactoryOptions struct {
	Jar       http.CookieJar
	Limiter   *ratelimit.Limiter
	Timeout   time.Duration
	UserAgent string
	Base      http.RoundTripper // Defaults to http.DefaultTransport
}

// Factory creates per-source HTTP clients sharing one cookie jar.
type Factory struct {
	opts FactoryOptions
}

// NewFactory creates a client factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Factory{opts: opts}
}

// ClientFor returns a client whose requests consume sourceID's rate bucket.
func (f *Factory) ClientFor(sourceID int64) *http.Client {
	var rt http.RoundTripper = f.opts.Base
	if f.opts.Limiter != nil {
		rt = &ratelimit.Transport{Base: f.opts.Base, Limiter: f.opts.Limiter, SourceID: sourceID}
	}
	return &http.Client{
		Jar:       f.opts.Jar,
		Timeout:   f.opts.Timeout,
		Transport: &userAgentTransport{base: rt, userAgent: f.opts.UserAgent},
	}
}

// Default returns an unthrottled client for index and package downloads.
func (f *Factory) Default() *http.Client {
	return &http.Client{
		Jar:       f.opts.Jar,
		Timeout:   f.opts.Timeout,
		Transport: &userAgentTransport{base: f.opts.Base, userAgent: f.opts.UserAgent},
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
