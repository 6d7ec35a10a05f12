package middleware

// Anonymous session middleware for the endpoint processor/renderer pipeline.
//
// The session carries only a random identifier. It binds a browser to
// server-side state (see package store) across a redirect round-trip and
// holds no user data.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/scaffoldauth/endpoint"
)

var ErrNilSession = errors.New("nil session")

// SessionIDBytes is the number of random bytes used to generate a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime. It only needs to
// cover one provider round trip.
const DefaultSessionPeriod = 5 * time.Minute

// CookieName is the name of the session cookie.
const CookieName = "SAS"

// Session is request-scoped anonymous session state.
type Session interface {
	// ID returns the session identifier, or "" if there is no session.
	ID() string
	// Expires returns the expiration time, or the zero time if there is no session.
	Expires() time.Time
	// Renew starts a session with a fresh ID, replacing any current one,
	// and returns the ID.
	Renew() string
	// Clear ends the session and clears the cookie.
	Clear()
}

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID      string    `cbor:"1,keyasint"`
	Expires time.Time `cbor:"2,keyasint"`
}

func (sd *sessionData) valid(now time.Time) bool {
	return sd != nil && len(sd.ID) == base64.RawURLEncoding.EncodedLen(SessionIDBytes) &&
		!sd.Expires.IsZero() && now.Before(sd.Expires)
}

// session implements Session. dirty records whether the cookie must be
// rewritten before the response headers go out.
type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *session) Renew() string {
	if s == nil {
		return ""
	}
	s.data = &sessionData{
		ID:      NewSessionID(),
		Expires: time.Now().Truncate(time.Second).Add(s.period),
	}
	s.dirty = true
	return s.data.ID
}

func (s *session) Clear() {
	if s == nil {
		return
	}
	if s.data != nil {
		s.dirty = true
	}
	s.data = nil
}

// NewSessionID returns a random 22-character base64url session identifier.
func NewSessionID() string {
	b := make([]byte, SessionIDBytes)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionIDFromContext returns the current session ID, or "" if the request
// carries no valid session.
func SessionIDFromContext(ctx context.Context) string {
	sess, ok := SessionFromContext(ctx)
	if !ok {
		return ""
	}
	return sess.ID()
}

// SessionProcessor is an endpoint processor that reads the session cookie and
// writes it back (via endpoint.Defer) when the session changed.
type SessionProcessor struct {
	cookie *sessionCookie
	MaxAge time.Duration
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*sessionProcessorConfig)

type sessionProcessorConfig struct {
	secure bool
	maxAge time.Duration
}

// WithSecure sets the Secure flag of the session cookie. It defaults to true;
// plain-HTTP development setups turn it off.
func WithSecure(secure bool) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.secure = secure
	}
}

// WithMaxAge sets the session max age.
func WithMaxAge(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.maxAge = d
	}
}

// NewSessionProcessor returns a SessionProcessor sealing its cookie with
// keys[keyID]. The other keys still open cookies issued before a rotation.
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	cfg := sessionProcessorConfig{
		secure: true,
		maxAge: DefaultSessionPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAge < time.Second {
		return nil, errors.New("session max age must be at least one second")
	}

	cookie, err := newSessionCookie(CookieName, cfg.secure, keyID, keys)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{cookie: cookie, MaxAge: cfg.maxAge}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.cookie == nil {
		return errors.New("SessionProcessor requires a session cookie")
	}

	sess := &session{period: p.MaxAge}
	if sess.period <= 0 {
		sess.period = DefaultSessionPeriod
	}

	if c, err := r.Cookie(p.cookie.name); err == nil {
		if sd, err := p.cookie.open(c.Value); err == nil && sd.valid(time.Now()) {
			sess.data = sd
		} else {
			// Tampered, foreign or expired. Clear it unless the endpoint
			// issues a new one.
			sess.dirty = true
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) maybeSetCookie(w http.ResponseWriter, sess *session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.clear())
		return
	}
	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.clear())
		return
	}
	if c, err := p.cookie.seal(sess.data, maxAge); err == nil {
		http.SetCookie(w, c)
	}
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
