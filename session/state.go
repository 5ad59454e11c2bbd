package session

import (
	"context"
	"errors"
)

// State of the session.
type State int

const (
	// StateUnknown is the state before stored credentials have been read.
	// It is not the same as signed out.
	StateUnknown State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "invalid"
	}
}

var (
	// ErrInvalidTransition is returned for operations not allowed in the
	// current state, e.g. signing in twice.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrNotAuthenticated is returned when a signed in user is required.
	ErrNotAuthenticated = errors.New("session: not authenticated")
)

// Redirector sends the user to the sign-in entry point.
type Redirector interface {
	RedirectToSignIn(ctx context.Context)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context)

func (f RedirectFunc) RedirectToSignIn(ctx context.Context) { f(ctx) }

type noopRedirector struct{}

func (noopRedirector) RedirectToSignIn(context.Context) {}
