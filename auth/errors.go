package auth

import (
	"errors"
	"fmt"
	"net/http"
)

// Error categories. Every failed AuthorizationResult wraps exactly one.
var (
	// ErrConfig: required configuration is missing or insecure.
	ErrConfig = errors.New("auth: configuration error")
	// ErrSessionExpired: no usable pending authorization for the session.
	ErrSessionExpired = errors.New("auth: session expired or invalid")
	// ErrInvalidState: the callback state does not match the pending one.
	ErrInvalidState = errors.New("auth: invalid state parameter")
	// ErrMissingCode: the callback carried no authorization code.
	ErrMissingCode = errors.New("auth: authorization code missing")
	// ErrProvider: the provider answered, but with an error or without a token.
	ErrProvider = errors.New("auth: provider error")
	// ErrUpstream: the provider could not be reached or answered garbage.
	ErrUpstream = errors.New("auth: failed to communicate with provider")
)

// User-visible messages.
const (
	msgInvalidSession = "Invalid session, please try again."
	msgMissingCode    = "Authorization code is missing."
	msgExchangeFailed = "Failed to exchange code: "
	msgUnknownError   = "Unknown error"
	msgUpstream       = "Failed to communicate with provider."
	msgInternal       = "Internal server error during code exchange."
)

// ProviderError represents an OAuth error reported by the identity provider.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

func (e *ProviderError) Unwrap() error {
	return ErrProvider
}

// StatusFor maps an error category to the exchange endpoint's HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrMissingCode),
		errors.Is(err, ErrProvider):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
