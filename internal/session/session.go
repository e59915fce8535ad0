// Package session decides which demo identities the gate may trust.
//
// An Identity can only be obtained from a Verifier, so every demo request
// that reaches the gate has passed through one of the policies below.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderDemoUser    = "x-demo-user"
	HeaderDemoSession = "x-demo-session"
)

// ErrInvalidSession is returned when demo headers are present but fail
// verification.
var ErrInvalidSession = errors.New("invalid demo session")

type Identity struct {
	email string
}

func (i *Identity) Email() string { return i.email }

type Verifier interface {
	// Verify returns nil, nil when the request carries no demo identity.
	Verify(ctx context.Context, h http.Header) (*Identity, error)
}

// HeaderVerifier trusts x-demo-user as-is. It must only be used behind a
// front end that authenticates users and sets the header itself.
type HeaderVerifier struct{}

func (HeaderVerifier) Verify(_ context.Context, h http.Header) (*Identity, error) {
	email := strings.TrimSpace(h.Get(HeaderDemoUser))
	if email == "" {
		return nil, nil
	}
	return &Identity{email: email}, nil
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTVerifier requires an HS256 token in x-demo-session whose email claim
// matches x-demo-user.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(_ context.Context, h http.Header) (*Identity, error) {
	email := strings.TrimSpace(h.Get(HeaderDemoUser))
	token := strings.TrimSpace(h.Get(HeaderDemoSession))
	if email == "" && token == "" {
		return nil, nil
	}
	if email == "" || token == "" {
		return nil, ErrInvalidSession
	}

	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidSession
	}
	if !strings.EqualFold(c.Email, email) {
		return nil, fmt.Errorf("%w: email mismatch", ErrInvalidSession)
	}
	return &Identity{email: c.Email}, nil
}

// Issue signs a session token for email, valid for ttl.
func (v *JWTVerifier) Issue(email string, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(v.secret)
}

// NewVerifier picks JWT verification when a secret is configured and falls
// back to trusting the header otherwise.
func NewVerifier(secret string) Verifier {
	if secret == "" {
		return HeaderVerifier{}
	}
	return NewJWTVerifier(secret)
}
