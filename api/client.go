// Package api is a client for the authentication endpoints of the tribe API:
// sign-in, access token renewal, sign-out and sign-up.
//
// These calls are made with a plain HTTP client. They must never pass through
// the renewing transport, or a rejected refresh token could trigger another
// renewal.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"lds.li/tribeclient/internal"
)

// Default endpoint paths.
const (
	DefaultTokenPath    = "/token"
	DefaultRefreshPath  = "/refresh"
	DefaultLogoutPath   = "/logout"
	DefaultRegisterPath = "/users/"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 1 << 20

// Client calls the authentication endpoints.
type Client struct {
	// BaseURL of the API, e.g. http://127.0.0.1:8000. Required.
	BaseURL string
	// HTTPClient to use for requests. If not set, a default will be used.
	// This will be overridden by the context if provided via
	// oauth2.HTTPClient.
	HTTPClient *http.Client

	// Endpoint paths, relative to BaseURL. Defaults are used when empty.
	TokenPath    string
	RefreshPath  string
	LogoutPath   string
	RegisterPath string
}

// SignInResult is the credential pair issued on sign-in, with the user it
// was issued for.
type SignInResult struct {
	Token  *oauth2.Token
	UserID string
}

// SignIn exchanges a username and password for a credential pair. The
// request is form encoded as the password grant.
func (c *Client) SignIn(ctx context.Context, username, password string) (*SignInResult, error) {
	cfg := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.url(c.TokenPath, DefaultTokenPath),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := cfg.PasswordCredentialsToken(c.ctx(ctx), username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &Error{Op: "sign in", StatusCode: re.Response.StatusCode, Detail: detailFromBody(re.Body)}
		}
		return nil, fmt.Errorf("api: sign in: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: sign in response missing tokens", ErrMalformedResponse)
	}

	peeked, isJWT := internal.InsecurePeekJWT(tok.AccessToken)
	if tok.Expiry.IsZero() && isJWT {
		tok.Expiry = peeked.Expiry
	}

	userID := stringExtra(tok.Extra("user_id"))
	if userID == "" {
		userID = peeked.Subject
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: sign in response missing user_id", ErrMalformedResponse)
	}

	return &SignInResult{Token: tok, UserID: userID}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token is not rotated, so the returned token carries only the access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.postJSON(ctx, "refresh", c.url(c.RefreshPath, DefaultRefreshPath), refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: refresh response missing access_token", ErrMalformedResponse)
	}

	tok := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   resp.ExpiresIn,
	}
	if peeked, ok := internal.InsecurePeekJWT(resp.AccessToken); ok {
		tok.Expiry = peeked.Expiry
	}
	return tok, nil
}

// Logout asks the API to invalidate the refresh token.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.postJSON(ctx, "logout", c.url(c.LogoutPath, DefaultLogoutPath), refreshRequest{RefreshToken: refreshToken}, nil)
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// User is an account as returned by the API.
type User struct {
	ID       FlexString `json:"id"`
	Email    string     `json:"email"`
	Username string     `json:"username"`
}

// Register creates a new account. It does not sign in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	var u User
	if err := c.postJSON(ctx, "register", c.url(c.RegisterPath, DefaultRegisterPath), req, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) postJSON(ctx context.Context, op, url string, body, into any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: %s: encoding request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("api: %s: creating request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := internal.HTTPClientFromContext(ctx, c.HTTPClient).Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer func() { _ = res.Body.Close() }()

	if err := CheckResponse(op, res); err != nil {
		return err
	}
	if into == nil {
		return nil
	}

	if err := json.Unmarshal(readLimited(res), into); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, op, err)
	}
	return nil
}

func (c *Client) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, internal.HTTPClientFromContext(ctx, c.HTTPClient))
}

func (c *Client) url(path, def string) string {
	if path == "" {
		path = def
	}
	return strings.TrimSuffix(c.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

func readLimited(res *http.Response) []byte {
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	return b
}

// FlexString decodes a JSON string or number as a string. The API returns
// numeric IDs.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

func stringExtra(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
