package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/mnehpets/scaffoldauth/store"
	log "github.com/sirupsen/logrus"
)

// AuthorizationResult is the outcome of one code exchange. It is also the
// JSON body of the exchange endpoint.
type AuthorizationResult struct {
	Success     bool   `json:"success"`
	AccessToken string `json:"token,omitempty"`
	// User is nil when the profile could not be fetched.
	User         *User  `json:"user,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
	// Err carries the failure category (ErrSessionExpired, ErrProvider, ...).
	Err error `json:"-"`
}

// Status returns the HTTP status for the exchange endpoint.
func (r *AuthorizationResult) Status() int {
	return StatusFor(r.Err)
}

func failure(err error, message string) *AuthorizationResult {
	return &AuthorizationResult{Success: false, ErrorMessage: message, Err: err}
}

// ExchangeService completes an authorization: it consumes the pending
// authorization for the session, checks state, redeems the code and fetches
// the user profile.
type ExchangeService struct {
	provider *Provider
	store    store.Store
	logger   log.FieldLogger
}

// ExchangeOption configures an ExchangeService.
type ExchangeOption func(*ExchangeService)

// WithExchangeLogger sets the logger. nil keeps the standard logger.
func WithExchangeLogger(l log.FieldLogger) ExchangeOption {
	return func(s *ExchangeService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewExchangeService creates an ExchangeService reading from s.
func NewExchangeService(p *Provider, s store.Store, opts ...ExchangeOption) *ExchangeService {
	svc := &ExchangeService{
		provider: p,
		store:    s,
		logger:   log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Exchange never returns a Go error: every failure is reported in the result.
// The pending authorization is removed before state is compared, so it is
// consumed whatever the outcome.
func (s *ExchangeService) Exchange(ctx context.Context, sessionID, code, state string) *AuthorizationResult {
	logger := s.logger.WithField("provider", s.provider.ID())

	pending, err := s.store.Take(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("code exchange rejected: no pending authorization")
			return failure(ErrSessionExpired, msgInvalidSession)
		}
		logger.WithError(err).Error("code exchange failed: session store")
		return failure(fmt.Errorf("auth: take pending authorization: %w", err), msgInternal)
	}
	logger = logger.WithField("state", statePrefix(pending.State))

	if state == "" || subtle.ConstantTimeCompare([]byte(state), []byte(pending.State)) != 1 {
		logger.Warn("code exchange rejected: state mismatch")
		return failure(ErrInvalidState, msgInvalidSession)
	}
	if code == "" {
		logger.Warn("code exchange rejected: missing code")
		return failure(ErrMissingCode, msgMissingCode)
	}

	token, err := s.provider.Exchange(ctx, code, pending.CodeVerifier, pending.RedirectURI, pending.Nonce)
	if err != nil {
		var pe *ProviderError
		switch {
		case errors.As(err, &pe):
			logger.WithFields(log.Fields{"error_code": pe.Code, "error_description": pe.Description}).
				Warn("code exchange rejected by provider")
			return failure(err, msgExchangeFailed+providerMessage(pe))
		case errors.Is(err, ErrProvider):
			logger.WithError(err).Warn("code exchange rejected by provider")
			return failure(err, msgExchangeFailed+msgUnknownError)
		default:
			logger.WithError(err).Error("code exchange failed: provider unreachable")
			return failure(err, msgUpstream)
		}
	}

	result := &AuthorizationResult{Success: true, AccessToken: token.AccessToken}
	user, err := s.provider.FetchUser(ctx, token)
	if err != nil {
		// Profile enrichment is best-effort.
		logger.WithError(err).Warn("user profile unavailable")
		return result
	}
	result.User = user
	logger.WithField("login", user.Login).Info("code exchange succeeded")
	return result
}

// providerMessage prefers the provider's description and always names the
// OAuth error code.
func providerMessage(pe *ProviderError) string {
	switch {
	case pe.Description != "" && pe.Code != "":
		return pe.Description + " (" + pe.Code + ")"
	case pe.Description != "":
		return pe.Description
	case pe.Code != "":
		return pe.Code
	default:
		return msgUnknownError
	}
}
