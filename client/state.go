// Package client is the browser-side half of the login flow: the persisted
// client session, the callback handler and the exchange client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mnehpets/scaffoldauth/auth"
	log "github.com/sirupsen/logrus"
)

// Session is an authenticated client session. Token and User are always
// set together.
type Session struct {
	Token string
	User  auth.User
}

// AuthState owns the client session: it restores it from Storage, persists
// changes and notifies subscribers.
type AuthState struct {
	storage  Storage
	loginURL string
	logger   log.FieldLogger

	mu      sync.RWMutex
	current *Session
	nextSub int
	subs    map[int]func(*Session)
}

// StateOption configures an AuthState.
type StateOption func(*AuthState)

// WithStateLogger sets the logger. nil keeps the standard logger.
func WithStateLogger(l log.FieldLogger) StateOption {
	return func(s *AuthState) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLoginURL sets the initiation endpoint ReAuthenticate sends the user to.
func WithLoginURL(u string) StateOption {
	return func(s *AuthState) {
		s.loginURL = u
	}
}

// NewAuthState creates an AuthState and restores any persisted session.
// Unreadable or inconsistent data is discarded; restoring never fails.
func NewAuthState(ctx context.Context, storage Storage, opts ...StateOption) *AuthState {
	s := &AuthState{
		storage:  storage,
		loginURL: auth.DefaultBasePath,
		logger:   log.StandardLogger(),
		subs:     make(map[int]func(*Session)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restore(ctx)
	return s
}

func (s *AuthState) restore(ctx context.Context) {
	values, err := s.storage.Load(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("discarding persisted session")
		s.discard(ctx)
		return
	}
	token, hasToken := values[KeyToken]
	rawUser, hasUser := values[KeyUser]
	if !hasToken && !hasUser {
		return
	}
	if token == "" || rawUser == "" {
		s.logger.Warn("discarding incomplete persisted session")
		s.discard(ctx)
		return
	}
	var user auth.User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil || user.Login == "" {
		s.logger.WithError(err).Warn("failed to parse stored user data")
		s.discard(ctx)
		return
	}

	s.mu.Lock()
	s.current = &Session{Token: token, User: user}
	s.mu.Unlock()
}

func (s *AuthState) discard(ctx context.Context) {
	if err := s.storage.Update(ctx, clearSession); err != nil {
		s.logger.WithError(err).Warn("failed to clear persisted session")
	}
}

func clearSession(values map[string]string) {
	delete(values, KeyToken)
	delete(values, KeyUser)
}

// Current returns a copy of the current session.
func (s *AuthState) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Login persists and publishes a session.
func (s *AuthState) Login(ctx context.Context, user auth.User, token string) error {
	if token == "" || user.Login == "" {
		return errors.New("client: login requires a token and a user")
	}
	rawUser, err := json.Marshal(user)
	if err != nil {
		return err
	}
	err = s.storage.Update(ctx, func(values map[string]string) {
		values[KeyToken] = token
		values[KeyUser] = string(rawUser)
	})
	if err != nil {
		return err
	}
	s.set(&Session{Token: token, User: user})
	return nil
}

// Logout clears the session locally. The token is not revoked.
func (s *AuthState) Logout(ctx context.Context) error {
	// The in-memory session is dropped even if persisting fails.
	defer s.set(nil)
	return s.storage.Update(ctx, clearSession)
}

// ReAuthenticate clears the session and returns the initiation URL to send
// the user to for a fresh login.
func (s *AuthState) ReAuthenticate(ctx context.Context) (string, error) {
	if err := s.Logout(ctx); err != nil {
		return "", err
	}
	return s.loginURL, nil
}

// Subscribe registers fn to be called with every new session (nil after
// logout). The returned function unregisters it.
func (s *AuthState) Subscribe(fn func(*Session)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *AuthState) set(sess *Session) {
	s.mu.Lock()
	s.current = sess
	subs := make([]func(*Session), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		var c *Session
		if sess != nil {
			cp := *sess
			c = &cp
		}
		fn(c)
	}
}
