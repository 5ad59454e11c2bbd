// Package session is the sign-in lifecycle of the tribe client. A [Manager]
// owns the credential store, the renewal coordinator and an *http.Client
// wired with the request pipeline; screens use it to sign in and out, to
// check whether someone is signed in, and to call the API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"lds.li/tribeclient/api"
	"lds.li/tribeclient/credstore"
	"lds.li/tribeclient/metrics"
	"lds.li/tribeclient/renew"
	"lds.li/tribeclient/transport"
)

var baseLogAttr = slog.String("component", "session")

func errAttr(err error) slog.Attr { return slog.String("err", err.Error()) }

// Options configure a Manager.
type Options struct {
	// API is the authentication endpoint client. Required.
	API *api.Client
	// Backend persists credentials. If nil, credentials are kept in memory.
	Backend credstore.Backend
	// Redirector is told when the user must sign in again. Optional.
	Redirector Redirector

	// Base transport for API calls. If nil, http.DefaultTransport is used.
	Base http.RoundTripper
	// RequestTimeout for calls through Client. Zero means none.
	RequestTimeout time.Duration
	// RenewalTimeout bounds the renewal call. Defaults to
	// renew.DefaultTimeout.
	RenewalTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager tracks who is signed in. It is safe for concurrent use.
type Manager struct {
	api      *api.Client
	store    *credstore.Store
	renewer  *renew.Coordinator
	client   *http.Client
	redirect Redirector
	logger   *slog.Logger

	initOnce sync.Once

	mu    sync.RWMutex
	state State
}

var _ oauth2.TokenSource = (*Manager)(nil)

// New returns a Manager in StateUnknown. Stored credentials are read by
// Init, or by the first request made through Client.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redirect := opts.Redirector
	if redirect == nil {
		redirect = noopRedirector{}
	}

	m := &Manager{
		api:      opts.API,
		store:    credstore.NewStore(opts.Backend, logger),
		redirect: redirect,
		logger:   logger,
	}
	m.renewer = &renew.Coordinator{
		Store:     m.store,
		Refresher: opts.API,
		Timeout:   opts.RenewalTimeout,
		OnFailure: m.expire,
		Logger:    logger,
		Metrics:   opts.Metrics,
	}
	m.client = transport.NewClient(opts.Base, opts.RequestTimeout,
		m.awaitInit,
		transport.RequestID(),
		transport.Logging(logger),
		transport.RenewOnUnauthorized(m.store, m.renewer, logger, opts.Metrics),
		transport.Bearer(m.store),
	)
	return m
}

// Init reads stored credentials, moving out of StateUnknown. Only the first
// call reads storage.
func (m *Manager) Init() State {
	m.initOnce.Do(func() {
		found := m.store.Load()

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != StateUnknown {
			return
		}
		if found {
			m.state = StateAuthenticated
		} else {
			m.state = StateUnauthenticated
		}
		m.logger.Debug("session restored", baseLogAttr, slog.String("state", m.state.String()))
	})
	return m.State()
}

// State returns the current state without reading storage.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsLoading reports whether stored credentials are yet to be read.
func (m *Manager) IsLoading() bool {
	return m.State() == StateUnknown
}

// IsAuthenticated reports whether a user is signed in.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	return m.store.AccessToken()
}

// UserID returns the signed in user's ID, or "".
func (m *Manager) UserID() string {
	if c := m.store.Get(); c != nil {
		return c.UserID
	}
	return ""
}

// Credentials returns a copy of the current credentials, or nil.
func (m *Manager) Credentials() *credstore.Credentials {
	return m.store.Get()
}

// Token implements oauth2.TokenSource with the current credentials. It does
// not renew; renewal happens when the API rejects a token.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.Init()
	c := m.store.Get()
	if c == nil {
		return nil, ErrNotAuthenticated
	}
	return c.Token(), nil
}

// Client returns the HTTP client for API calls. It attaches the access
// token and renews it when rejected.
func (m *Manager) Client() *http.Client {
	return m.client
}

// Establish signs in with already issued credentials.
func (m *Manager) Establish(ctx context.Context, c credstore.Credentials) error {
	m.Init()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateUnauthenticated {
		return fmt.Errorf("%w: sign in while %s", ErrInvalidTransition, m.state)
	}
	if err := m.store.Set(c); err != nil {
		return err
	}
	m.state = StateAuthenticated
	m.logger.InfoContext(ctx, "signed in", baseLogAttr, slog.String("user_id", c.UserID))
	return nil
}

// Login signs in with a username and password.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	if st := m.Init(); st != StateUnauthenticated {
		return fmt.Errorf("%w: sign in while %s", ErrInvalidTransition, st)
	}

	res, err := m.api.SignIn(ctx, username, password)
	if err != nil {
		return err
	}
	return m.Establish(ctx, credstore.FromToken(res.Token, res.UserID))
}

// Register creates an account. The new user still has to sign in.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) (*api.User, error) {
	return m.api.Register(ctx, req)
}

// Logout signs out. The API is asked to invalidate the refresh token, but a
// failure there only gets logged; local credentials are cleared regardless
// and the user is sent to sign in. Logging out while signed out does
// nothing.
func (m *Manager) Logout(ctx context.Context) error {
	if m.Init() != StateAuthenticated {
		return nil
	}

	rt := m.store.RefreshToken()
	if rt != "" {
		if err := m.api.Logout(ctx, rt); err != nil {
			m.logger.WarnContext(ctx, "remote sign out failed", baseLogAttr, errAttr(err))
		}
	}

	m.teardown(ctx, "signed out", rt)
	return nil
}

// RequireAuth guards a signed in only surface. It reads stored credentials
// if that has not happened yet, then returns ErrNotAuthenticated, after
// redirecting to sign in, when no one is signed in.
func (m *Manager) RequireAuth(ctx context.Context) error {
	if m.Init() != StateAuthenticated {
		m.redirect.RedirectToSignIn(ctx)
		return ErrNotAuthenticated
	}
	return nil
}

// expire tears the session down after a failed renewal with refreshToken.
// The token was just rejected, so the API is not asked to invalidate it. A
// session that no longer holds it, because the user signed out and back in
// while the renewal ran, is left alone.
func (m *Manager) expire(ctx context.Context, refreshToken string, err error) {
	reason := "session expired"
	if errors.Is(err, renew.ErrNoRefreshToken) {
		reason = "no refresh token"
	}
	m.teardown(ctx, reason, refreshToken)
}

// teardown clears credentials and redirects, once per signed in session. If
// refreshToken is set, only the session holding it is torn down.
func (m *Manager) teardown(ctx context.Context, reason, refreshToken string) {
	m.mu.Lock()
	if m.state != StateAuthenticated || (refreshToken != "" && m.store.RefreshToken() != refreshToken) {
		m.mu.Unlock()
		return
	}
	m.store.Clear()
	m.state = StateUnauthenticated
	m.mu.Unlock()

	m.logger.InfoContext(ctx, reason, baseLogAttr)
	m.redirect.RedirectToSignIn(ctx)
}

// awaitInit makes sure storage has been read before any request goes out.
func (m *Manager) awaitInit(next http.RoundTripper) http.RoundTripper {
	return transport.RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		m.Init()
		return next.RoundTrip(req)
	})
}
