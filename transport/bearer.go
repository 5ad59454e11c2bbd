package transport

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// TokenSource supplies the current access token. An empty string means no
// one is signed in.
type TokenSource interface {
	AccessToken() string
}

// BearerTransport is an [http.RoundTripper] that adds the current access
// token to requests as a bearer credential.
type BearerTransport struct {
	// Tokens supplies the access token. Required.
	Tokens TokenSource

	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
}

// RoundTrip implements [http.RoundTripper]. Requests that already carry an
// Authorization header are sent as they are, as are requests made while no
// one is signed in.
func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return baseOrDefault(t.Base).RoundTrip(req)
	}

	token := t.Tokens.AccessToken()
	if token == "" {
		return baseOrDefault(t.Base).RoundTrip(req)
	}

	// Clone the request to avoid modifying the original
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", bearerPrefix+token)

	return baseOrDefault(t.Base).RoundTrip(req)
}

// Bearer returns middleware adding the access token from tokens.
func Bearer(tokens TokenSource) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &BearerTransport{Tokens: tokens, Base: next}
	}
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(h string) string {
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return h[len(bearerPrefix):]
}
