package ratelimit

import "net/http"

// Transport gates every request of one source through its bucket.
type Transport struct {
	Base     http.RoundTripper
	Limiter  *Limiter
	SourceID int64
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Limiter.Allow(req.Context(), t.SourceID); err != nil {
		return nil, err
	}
	return t.base().RoundTrip(req)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
