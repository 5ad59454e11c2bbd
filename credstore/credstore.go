// Package credstore persists the credentials of the signed in user: the
// access token presented on every request, the refresh token presented only
// to the renewal endpoint, and the user ID they were issued for.
//
// Durable storage is provided by a [Backend]. [Store] keeps an in-memory
// mirror of the backend so reads are synchronous, and degrades to
// memory-only operation when the backend fails.
package credstore

import (
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Storage field names. Presence of all three determines whether a stored
// session exists.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyUserID       = "userId"
)

var (
	// ErrNoCredentials is returned when an operation needs stored
	// credentials and there are none.
	ErrNoCredentials = errors.New("credstore: no credentials stored")
	// ErrIncomplete is returned when credentials missing one of the access
	// token, refresh token or user ID are written.
	ErrIncomplete = errors.New("credstore: credentials incomplete")
	// ErrSessionChanged is returned when a renewed access token is written
	// but the held credentials are no longer the ones it was renewed for.
	ErrSessionChanged = errors.New("credstore: session changed")
)

// Credentials is the credential pair plus the subject it was issued to.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	// Expiry of the access token, if known. Informational only, renewal is
	// driven by the remote API rejecting the token.
	Expiry time.Time `json:"expiry,omitzero"`
}

// Complete reports whether the access token, refresh token and user ID are
// all set.
func (c *Credentials) Complete() bool {
	return c != nil && c.AccessToken != "" && c.RefreshToken != "" && c.UserID != ""
}

// Token returns the credential pair as an oauth2 bearer token.
func (c *Credentials) Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// FromToken builds Credentials from an issued token and the user ID it
// belongs to.
func FromToken(tok *oauth2.Token, userID string) Credentials {
	if tok == nil {
		return Credentials{UserID: userID}
	}
	return Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		UserID:       userID,
		Expiry:       tok.Expiry,
	}
}

func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Backend is durable storage for a single set of credentials.
type Backend interface {
	// Load returns the stored credentials. If nothing is stored, or the
	// stored set is incomplete, it returns nil with no error.
	Load() (*Credentials, error)
	// Save replaces the stored credentials.
	Save(*Credentials) error
	// Delete removes any stored credentials. Deleting when nothing is stored
	// is not an error.
	Delete() error
	// Available reports whether the backend can be used in this environment.
	Available() bool
}
