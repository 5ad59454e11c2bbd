package internal

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PeekedClaims are the registered claims read from an access token without
// verifying it.
type PeekedClaims struct {
	Subject string
	Expiry  time.Time
}

// InsecurePeekJWT reads the sub and exp claims of a JWT. No signature or
// time validation is performed; the result is only used for display and
// bookkeeping on the client, never for an authorization decision. ok is false
// if the token is opaque or malformed.
func InsecurePeekJWT(token string) (claims PeekedClaims, ok bool) {
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return PeekedClaims{}, false
	}
	claims.Subject = rc.Subject
	if rc.ExpiresAt != nil {
		claims.Expiry = rc.ExpiresAt.Time
	}
	return claims, true
}
