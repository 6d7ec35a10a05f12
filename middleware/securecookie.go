package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrCookieFormat  = errors.New("invalid session cookie format")
	ErrCookieInvalid = errors.New("invalid session cookie")
	ErrCookieConfig  = errors.New("invalid session cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will decode.
const maxCookieLen = 4096

// KeySize is the sealing key size in bytes.
const KeySize = chacha20poly1305.KeySize

// cookieKeyInfo is the HKDF info string for cookie sealing keys. Changing it
// invalidates every cookie issued under the previous value.
const cookieKeyInfo = "scaffoldauth cookie v1"

// DeriveKey derives a cookie sealing key from a secret using HKDF-SHA256.
// The key ID is the first 8 hex characters of SHA-256(key) so rotated secrets
// get distinct IDs.
func DeriveKey(secret string) (keyID string, key []byte, err error) {
	if secret == "" {
		return "", nil, fmt.Errorf("%w: empty secret", ErrCookieConfig)
	}
	key = make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(cookieKeyInfo)), key); err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(key)
	return fmt.Sprintf("%x", sum[:4]), key, nil
}

// sessionCookie seals sessionData into the session cookie.
//
// Value format: keyID "." base64url(nonce || XChaCha20-Poly1305(CBOR(sessionData))).
// The cookie name and Secure flag are the additional data, so a value only
// opens under the cookie it was issued for. Every key in aeads opens; keyID
// seals.
type sessionCookie struct {
	name   string
	secure bool
	keyID  string
	aeads  map[string]cipher.AEAD
}

func newSessionCookie(name string, secure bool, keyID string, keys map[string][]byte) (*sessionCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: cookie name required", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: keyID not found in keys", ErrCookieConfig)
	}
	aeads := make(map[string]cipher.AEAD, len(keys))
	for id, k := range keys {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
		aeads[id] = aead
	}
	return &sessionCookie{name: name, secure: secure, keyID: keyID, aeads: aeads}, nil
}

func (c *sessionCookie) aad() []byte {
	if c.secure {
		return []byte(c.name + ":t")
	}
	return []byte(c.name + ":f")
}

// seal returns the cookie carrying sd for maxAge seconds.
func (c *sessionCookie) seal(sd *sessionData, maxAge int) (*http.Cookie, error) {
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(sd)
	if err != nil {
		return nil, err
	}
	aead := c.aeads[c.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	rand.Read(nonce)
	sealed := aead.Seal(nonce, nonce, plain, c.aad())

	return &http.Cookie{
		Name:     c.name,
		Value:    c.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// open authenticates and decodes a value produced by seal.
func (c *sessionCookie) open(value string) (*sessionData, error) {
	if len(value) == 0 || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, encoded, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encoded == "" {
		return nil, ErrCookieFormat
	}
	aead, ok := c.aeads[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, c.aad())
	if err != nil {
		return nil, ErrCookieInvalid
	}
	var sd sessionData
	if err := cbor.Unmarshal(plain, &sd); err != nil {
		return nil, ErrCookieInvalid
	}
	return &sd, nil
}

// clear returns a cookie that deletes the session cookie in the browser.
func (c *sessionCookie) clear() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
