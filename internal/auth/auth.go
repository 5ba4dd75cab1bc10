// Package auth provides the credential check a session performs when a
// client reconnects or sends a request on an existing session.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExpired is returned when credentials are no longer valid.
	ErrExpired = errors.New("credentials expired")

	ErrUnknownToken    = errors.New("unknown token")
	ErrMissingToken    = errors.New("missing bearer token")
	ErrSubjectMismatch = errors.New("credentials belong to another subject")
)

// AnonymousSubject is the subject assigned when anonymous access is allowed
// and the client presents no token.
const AnonymousSubject = "anonymous"

// Credentials are what a client presents on the wire.
type Credentials struct {
	Token string
}

// Context is the opaque authorization state attached to a session. It is
// replaced wholesale on every successful reconnect.
type Context struct {
	Subject   string    `json:"subject"`
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the context has an expiry in the past.
func (c *Context) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Authenticator decides whether a caller may act on a session.
type Authenticator interface {
	// Refresh validates creds for sessionID and returns a fresh context.
	Refresh(ctx context.Context, sessionID string, creds Credentials) (*Context, error)
	// Verify checks that creds are still acceptable for a session whose
	// current context is current.
	Verify(ctx context.Context, sessionID string, current *Context, creds Credentials) error
}
