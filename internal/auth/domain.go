package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken indicates the request carried no bearer token.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken indicates a malformed, badly signed or incomplete token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired indicates the token's exp claim has passed.
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims is the payload issued by the upstream identity provider. The subject
// carries the numeric user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}
