package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"lds.li/tribeclient/metrics"
)

var baseLogAttr = slog.String("component", "transport")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Renewer obtains an access token to use in place of a rejected one.
// Concurrent callers must share one renewal.
type Renewer interface {
	Renew(ctx context.Context, rejected string) (string, error)
}

// RenewingTransport is an [http.RoundTripper] that handles rejected access
// tokens. When a response is 401 Unauthorized it obtains a fresh token and
// replays the request once with it. If the replay is rejected too, that
// response is returned; there is no second renewal for a request.
type RenewingTransport struct {
	// Tokens supplies the current access token. Required.
	Tokens TokenSource
	// Renewer is asked for a new token. Required.
	Renewer Renewer

	// Base is the underlying transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Logger defaults to slog.Default.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// RoundTrip implements [http.RoundTripper]. If renewal fails the original
// 401 response is returned.
func (t *RenewingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	call := attemptFrom(req)

	res, err := baseOrDefault(t.Base).RoundTrip(req)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}
	if call.retried || !call.replayable() {
		return res, nil
	}
	call.retried = true

	ctx := req.Context()
	token, err := t.tokenFor(ctx, res)
	if err != nil {
		t.Metrics.IncReplay(metrics.ResultFailure)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			drainAndClose(res)
			return nil, err
		}
		t.logger().InfoContext(ctx, "not replaying rejected request", baseLogAttr, slog.String("url", req.URL.String()), errAttr(err))
		return res, nil
	}

	replay, err := call.replay(token)
	if err != nil {
		t.logger().WarnContext(ctx, "rewinding request body", baseLogAttr, slog.String("url", req.URL.String()), errAttr(err))
		return res, nil
	}
	drainAndClose(res)

	// the replay comes back through here carrying call, now marked retried
	return t.RoundTrip(replay)
}

// tokenFor returns the token to replay with. If the rejected token has
// already been replaced by a renewal that finished while this request was
// in flight, the current one is used without renewing again.
func (t *RenewingTransport) tokenFor(ctx context.Context, res *http.Response) (string, error) {
	var rejected string
	if res.Request != nil {
		rejected = bearerToken(res.Request.Header.Get("Authorization"))
		if current := t.Tokens.AccessToken(); current != "" && current != rejected {
			t.Metrics.IncReplay(metrics.ResultStale)
			return current, nil
		}
	}

	token, err := t.Renewer.Renew(ctx, rejected)
	if err != nil {
		return "", err
	}
	t.Metrics.IncReplay(metrics.ResultSuccess)
	return token, nil
}

func (t *RenewingTransport) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// RenewOnUnauthorized returns middleware replaying rejected requests with a
// token from renewer.
func RenewOnUnauthorized(tokens TokenSource, renewer Renewer, logger *slog.Logger, m *metrics.Metrics) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return &RenewingTransport{Tokens: tokens, Renewer: renewer, Base: next, Logger: logger, Metrics: m}
	}
}

// attempt tracks one caller request through the chain, across its replay.
// The caller's request is never modified; replays are clones carrying the
// attempt in their context.
type attempt struct {
	req     *http.Request
	retried bool
}

type attemptKey struct{}

// attemptFrom returns the attempt a replayed request belongs to, or starts a
// new one.
func attemptFrom(req *http.Request) *attempt {
	if a, ok := req.Context().Value(attemptKey{}).(*attempt); ok {
		return a
	}
	return &attempt{req: req}
}

// replayable reports whether the request body can be sent again.
func (a *attempt) replayable() bool {
	return a.req.Body == nil || a.req.Body == http.NoBody || a.req.GetBody != nil
}

// replay returns a copy of the request carrying token, with a fresh body.
func (a *attempt) replay(token string) (*http.Request, error) {
	r := a.req.Clone(context.WithValue(a.req.Context(), attemptKey{}, a))
	if a.req.Body != nil && a.req.Body != http.NoBody {
		body, err := a.req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", bearerPrefix+token)
	return r, nil
}

// drainAndClose lets the connection be reused.
func drainAndClose(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	_ = res.Body.Close()
}
