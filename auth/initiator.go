package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mnehpets/scaffoldauth/store"
	log "github.com/sirupsen/logrus"
)

// Initiator starts an authorization: it persists a PendingAuthorization for
// the browser session and returns the provider URL to redirect to.
type Initiator struct {
	provider *Provider
	store    store.Store
	logger   log.FieldLogger
	now      func() time.Time
}

// InitiatorOption configures an Initiator.
type InitiatorOption func(*Initiator)

// WithInitiatorLogger sets the logger. nil keeps the standard logger.
func WithInitiatorLogger(l log.FieldLogger) InitiatorOption {
	return func(i *Initiator) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithInitiatorClock replaces time.Now, for tests.
func WithInitiatorClock(now func() time.Time) InitiatorOption {
	return func(i *Initiator) {
		i.now = now
	}
}

// NewInitiator creates an Initiator writing to s.
func NewInitiator(p *Provider, s store.Store, opts ...InitiatorOption) *Initiator {
	i := &Initiator{
		provider: p,
		store:    s,
		logger:   log.StandardLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Initiate stores a fresh PendingAuthorization under sessionID, replacing
// any earlier one, and returns the authorization URL. Configuration is
// checked before anything is stored.
func (i *Initiator) Initiate(ctx context.Context, sessionID, redirectURI string, scopes []string) (string, error) {
	if err := i.provider.validate(); err != nil {
		return "", err
	}
	if i.store == nil {
		return "", fmt.Errorf("%w: no session store", ErrConfig)
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", errors.New("auth: empty session id")
	}

	state := GenerateState()
	verifier := GenerateCodeVerifier()
	challenge := DeriveCodeChallenge(verifier)
	var nonce string
	if i.provider.IsOIDC() {
		nonce = GenerateState()
	}

	pending := &store.PendingAuthorization{
		State:        state,
		CodeVerifier: verifier,
		Nonce:        nonce,
		RedirectURI:  redirectURI,
		CreatedAt:    i.now(),
	}
	if err := i.store.Put(ctx, sessionID, pending); err != nil {
		return "", fmt.Errorf("auth: store pending authorization: %w", err)
	}

	i.logger.WithFields(log.Fields{
		"provider": i.provider.ID(),
		"state":    statePrefix(state),
	}).Debug("authorization initiated")

	return i.provider.AuthCodeURL(redirectURI, scopes, state, challenge, nonce), nil
}

func validateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrConfig)
	}
	u, err := url.Parse(redirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: redirect uri must be absolute", ErrConfig)
	}
	return nil
}

// statePrefix shortens a state value for logs.
func statePrefix(state string) string {
	if len(state) > 6 {
		return state[:6] + "..."
	}
	return state
}
