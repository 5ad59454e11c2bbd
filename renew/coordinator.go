// Package renew coordinates access token renewal. However many requests are
// rejected at once, at most one renewal call is in flight; everyone else
// waits for its outcome.
package renew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"lds.li/tribeclient/metrics"
)

// DefaultTimeout bounds a single renewal call.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNoRefreshToken is returned when there is no refresh token to renew
	// with. No network call is made.
	ErrNoRefreshToken = errors.New("renew: no refresh token")
	// ErrRenewalFailed wraps every renewal failure.
	ErrRenewalFailed = errors.New("renew: renewal failed")
	// ErrRenewalAborted is returned when the renewal stopped without a
	// result, e.g. a panicking Refresher.
	ErrRenewalAborted = errors.New("renew: renewal aborted")
)

var baseLogAttr = slog.String("component", "renew")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f(ctx, refreshToken)
}

// TokenStore is where the refresh token is read from and the renewed access
// token written to. SetAccessToken must fail, writing nothing, unless the
// held refresh token is still refreshToken.
type TokenStore interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(refreshToken, accessToken string, expiry time.Time) error
}

// Coordinator runs renewals. Create one per credential store and share it
// between all transports using that store.
type Coordinator struct {
	// Store holds the credentials being renewed. Required.
	Store TokenStore
	// Refresher performs the renewal call. Required.
	Refresher Refresher
	// Timeout for the renewal call. Defaults to DefaultTimeout. A timeout is
	// a renewal failure.
	Timeout time.Duration
	// OnFailure is called once per failed renewal, before waiters are
	// released, to tear the session down. refreshToken is the one the
	// renewal used; a session that no longer holds it must be left alone.
	OnFailure func(ctx context.Context, refreshToken string, err error)
	// Logger defaults to slog.Default.
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	mu       sync.Mutex
	inFlight bool
	queue    []*waiter
	seq      uint64

	// deliver hands a result to a waiter. Replaced in tests to observe drain
	// order.
	deliver func(w *waiter, r result)
}

type result struct {
	token string
	err   error
}

type waiter struct {
	seq  uint64
	done chan result
}

// Renew returns a fresh access token to use in place of rejected. If a
// renewal is already running the caller joins it rather than starting
// another. If none is running and the store already holds a token other
// than rejected, that token is returned without renewing. An empty rejected
// always renews. Cancelling ctx stops this caller waiting; the renewal
// itself carries on for the others.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (string, error) {
	w := &waiter{done: make(chan result, 1)}

	c.mu.Lock()
	if !c.inFlight && rejected != "" {
		// a renewal stores its token before reopening the gate
		if current := c.Store.AccessToken(); current != "" && current != rejected {
			c.mu.Unlock()
			return current, nil
		}
	}
	c.seq++
	w.seq = c.seq
	c.queue = append(c.queue, w)
	start := !c.inFlight
	c.inFlight = true
	c.Metrics.SetWaiters(len(c.queue))
	c.mu.Unlock()

	if start {
		go c.run(context.WithoutCancel(ctx))
	} else {
		c.logger().DebugContext(ctx, "joining in-flight renewal", baseLogAttr, slog.Uint64("waiter", w.seq))
	}

	select {
	case r := <-w.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InFlight reports whether a renewal is running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

func (c *Coordinator) run(ctx context.Context) {
	refreshToken := c.Store.RefreshToken()

	res := result{err: ErrRenewalAborted}
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fmt.Errorf("%w: %v", ErrRenewalAborted, r)}
		}
		if res.err != nil {
			res.err = fmt.Errorf("%w: %w", ErrRenewalFailed, res.err)
			c.Metrics.IncRenewal(metrics.ResultFailure)
			c.logger().WarnContext(ctx, "access token renewal failed", baseLogAttr, errAttr(res.err))
			if c.OnFailure != nil {
				c.OnFailure(ctx, refreshToken, res.err)
			}
		} else {
			c.Metrics.IncRenewal(metrics.ResultSuccess)
			c.logger().InfoContext(ctx, "access token renewed", baseLogAttr)
		}
		c.settle(res)
	}()

	res = c.exchange(ctx, refreshToken)
}

// exchange performs the renewal call and stores the result.
func (c *Coordinator) exchange(ctx context.Context, refreshToken string) result {
	if refreshToken == "" {
		return result{err: ErrNoRefreshToken}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger().DebugContext(ctx, "renewing access token", baseLogAttr)
	tok, err := c.Refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return result{err: err}
	}
	if tok == nil || tok.AccessToken == "" {
		return result{err: errors.New("empty access token")}
	}
	if err := c.Store.SetAccessToken(refreshToken, tok.AccessToken, tok.Expiry); err != nil {
		// signed out, or signed in as someone else, while we were renewing
		return result{err: fmt.Errorf("storing renewed token: %w", err)}
	}
	return result{token: tok.AccessToken}
}

// settle releases every waiter, in arrival order, and reopens the gate.
func (c *Coordinator) settle(r result) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.inFlight = false
	c.Metrics.SetWaiters(0)
	deliver := c.deliver
	c.mu.Unlock()

	if deliver == nil {
		deliver = func(w *waiter, r result) { w.done <- r }
	}
	for _, w := range queue {
		deliver(w, r)
	}
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
