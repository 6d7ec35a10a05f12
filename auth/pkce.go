package auth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// stateLength is the number of random bytes used to generate the state parameter.
// 32 bytes provides 256 bits of entropy, which is sufficient to prevent collisions
// and brute-force attacks on the state parameter even with a large number of concurrent flows.
const stateLength = 32

// GenerateCodeVerifier returns a new PKCE code verifier: 32 random bytes,
// base64url without padding (43 characters, RFC 7636 section 4.1).
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// DeriveCodeChallenge returns the S256 challenge for verifier:
// base64url(SHA-256(verifier)) without padding.
func DeriveCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState creates a random, URL-safe state string. It is also used
// for the OIDC nonce.
//
// crypto/rand.Read never returns an error; it crashes the program if the
// entropy source fails.
func GenerateState() string {
	b := make([]byte, stateLength)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
