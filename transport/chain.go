// Package transport is the request interceptor chain: [http.RoundTripper]
// middleware that attaches the access token to outbound requests and, when
// the API rejects it, renews it once and replays the request.
package transport

import (
	"net/http"
	"time"
)

// Middleware wraps a RoundTripper with additional behaviour.
type Middleware func(next http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Chain wraps base with the given middleware. The first middleware is the
// outermost, seeing the request first and the response last. If base is nil,
// http.DefaultTransport is used.
func Chain(base http.RoundTripper, mw ...Middleware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	rt := base
	for i := len(mw) - 1; i >= 0; i-- {
		rt = mw[i](rt)
	}
	return rt
}

// NewClient returns an *http.Client using the chained transport.
func NewClient(base http.RoundTripper, timeout time.Duration, mw ...Middleware) *http.Client {
	return &http.Client{
		Transport: Chain(base, mw...),
		Timeout:   timeout,
	}
}

func baseOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
