package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMalformedResponse is returned when the API answers 2xx with a body that
// lacks required fields.
var ErrMalformedResponse = errors.New("api: malformed response")

// Error is a non-2xx answer from the API.
type Error struct {
	// Op is the call that failed, e.g. "refresh".
	Op         string
	StatusCode int
	// Detail is the server supplied reason, if any.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: %s failed with status %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("api: %s failed with status %d", e.Op, e.StatusCode)
}

// IsUnauthorized reports whether err is an API error signalling rejected
// credentials.
func IsUnauthorized(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && (ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden)
}

// CheckResponse returns an *Error for non-2xx responses. The body is read
// but not closed.
func CheckResponse(op string, res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	return &Error{Op: op, StatusCode: res.StatusCode, Detail: detailFromBody(readLimited(res))}
}

// detailFromBody extracts a human readable reason from an error body. The API
// reports errors as {"detail": "..."}; validation errors carry a list, which
// is kept as raw JSON.
func detailFromBody(body []byte) string {
	var e struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &e); err != nil || len(e.Detail) == 0 {
		return strings.TrimSpace(string(body))
	}
	var s string
	if err := json.Unmarshal(e.Detail, &s); err == nil {
		return s
	}
	return string(e.Detail)
}
