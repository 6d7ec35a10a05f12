// Package store holds pending OAuth authorizations between the redirect to
// the identity provider and the callback that completes it.
//
// Entries are keyed by an opaque browser session identifier. At most one
// entry exists per session: Put overwrites, and Take removes the entry as it
// reads it, so a verifier can be used at most once.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a pending authorization stays usable.
const DefaultTTL = 10 * time.Minute

var (
	// ErrNotFound is returned by Take when no usable entry exists: it was
	// never stored, already taken, superseded or expired.
	ErrNotFound = errors.New("pending authorization not found")
	// ErrInvalid is returned by Put for an empty session ID or nil entry.
	ErrInvalid = errors.New("invalid pending authorization")
)

// PendingAuthorization is the server-side half of one in-flight login.
type PendingAuthorization struct {
	// State is the CSRF nonce echoed back by the provider.
	State string
	// CodeVerifier is the PKCE secret. It never leaves the server.
	CodeVerifier string
	// Nonce binds an OIDC ID token to this attempt. Empty for plain OAuth2.
	Nonce string
	// RedirectURI is sent again with the token request and must match.
	RedirectURI string
	CreatedAt   time.Time
}

// expired reports whether p is older than ttl at now.
func (p *PendingAuthorization) expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(p.CreatedAt.Add(ttl))
}

// Store is the Authorization Session Store.
type Store interface {
	// Put stores pending under sessionID, replacing any existing entry.
	Put(ctx context.Context, sessionID string, pending *PendingAuthorization) error
	// Take returns and removes the entry for sessionID. It returns
	// ErrNotFound if there is none or it has expired. Of two concurrent
	// Takes for the same entry, at most one succeeds.
	Take(ctx context.Context, sessionID string) (*PendingAuthorization, error)
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

func defaultOptions() options {
	return options{ttl: DefaultTTL, now: time.Now}
}

// WithTTL sets the entry lifetime. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func validate(sessionID string, pending *PendingAuthorization) error {
	if sessionID == "" {
		return errors.Join(ErrInvalid, errors.New("session id cannot be empty"))
	}
	if pending == nil {
		return errors.Join(ErrInvalid, errors.New("pending authorization cannot be nil"))
	}
	return nil
}
