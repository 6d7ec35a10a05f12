package middleware

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

func testKeys(t *testing.T, secret string) (string, map[string][]byte) {
	t.Helper()
	id, key, err := DeriveKey(secret)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	return id, map[string][]byte{id: key}
}

func newTestCookie(t *testing.T, secure bool) *sessionCookie {
	t.Helper()
	id, keys := testKeys(t, "cookie-secret-cookie-secret-cookie")
	c, err := newSessionCookie(CookieName, secure, id, keys)
	if err != nil {
		t.Fatalf("newSessionCookie: %v", err)
	}
	return c
}

func testData() *sessionData {
	return &sessionData{ID: NewSessionID(), Expires: time.Now().Add(time.Minute).Truncate(time.Second)}
}

func TestDeriveKey(t *testing.T) {
	id1, k1, err := DeriveKey("a-session-secret-that-is-long-enough")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	id2, k2, _ := DeriveKey("a-session-secret-that-is-long-enough")
	if id1 != id2 || string(k1) != string(k2) {
		t.Fatalf("DeriveKey is not deterministic")
	}
	if len(k1) != KeySize {
		t.Fatalf("key length: got %d want %d", len(k1), KeySize)
	}
	if len(id1) != 8 {
		t.Fatalf("key id length: got %d want 8", len(id1))
	}

	id3, k3, _ := DeriveKey("another-session-secret-that-is-long")
	if id3 == id1 || string(k3) == string(k1) {
		t.Fatalf("different secrets produced the same key")
	}

	if _, _, err := DeriveKey(""); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("DeriveKey(\"\"): got %v want ErrCookieConfig", err)
	}
}

func TestSessionCookie_SealOpen(t *testing.T) {
	c := newTestCookie(t, false)
	sd := testData()

	ck, err := c.seal(sd, 300)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if ck.Name != CookieName || ck.Path != "/" || ck.MaxAge != 300 {
		t.Fatalf("cookie attributes: name=%q path=%q maxAge=%d", ck.Name, ck.Path, ck.MaxAge)
	}
	if !ck.HttpOnly || ck.Secure {
		t.Fatalf("cookie flags: HttpOnly=%v Secure=%v", ck.HttpOnly, ck.Secure)
	}
	if !strings.HasPrefix(ck.Value, c.keyID+".") {
		t.Fatalf("cookie value %q does not start with key id %q", ck.Value, c.keyID)
	}
	if strings.Contains(ck.Value, sd.ID) {
		t.Fatalf("cookie value leaks the session id")
	}

	got, err := c.open(ck.Value)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.ID != sd.ID || !got.Expires.Equal(sd.Expires) {
		t.Fatalf("got %+v want %+v", got, sd)
	}
}

func TestSessionCookie_PayloadUsesIntegerKeys(t *testing.T) {
	b, err := cbor.Marshal(testData())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[any]any
	if err := cbor.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, k := range []uint64{1, 2} {
		if _, ok := m[k]; !ok {
			t.Fatalf("payload keys %v: missing integer key %d", m, k)
		}
	}
}

func TestSessionCookie_NonPositiveMaxAge(t *testing.T) {
	c := newTestCookie(t, true)
	if _, err := c.seal(testData(), 0); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("seal(maxAge=0): got %v want ErrCookieInvalid", err)
	}
}

func TestSessionCookie_Clear(t *testing.T) {
	c := newTestCookie(t, true)
	ck := c.clear()
	if ck.Name != CookieName || ck.MaxAge != -1 || ck.Value != "" || ck.Path != "/" || !ck.Secure {
		t.Fatalf("clear: got %+v", ck)
	}
}

func TestSessionCookie_OpenErrors(t *testing.T) {
	c := newTestCookie(t, true)
	for _, value := range []string{"", "nodot", ".abc", c.keyID + ".", c.keyID + ".!!!", c.keyID + ".AAAA", strings.Repeat("a", maxCookieLen+1)} {
		if _, err := c.open(value); !errors.Is(err, ErrCookieFormat) {
			t.Fatalf("open(%.20q): got %v want ErrCookieFormat", value, err)
		}
	}
	if _, err := c.open("unknown.AAAAAAAA"); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("open(unknown key): got %v want ErrCookieInvalid", err)
	}
}

func TestSessionCookie_TamperRejected(t *testing.T) {
	c := newTestCookie(t, true)
	ck, err := c.seal(testData(), 60)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b := []byte(ck.Value)
	i := len(b) / 2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	if _, err := c.open(string(b)); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("open(tampered): got %v want ErrCookieInvalid", err)
	}
}

func TestSessionCookie_BoundToNameAndSecureFlag(t *testing.T) {
	id, keys := testKeys(t, "aad-secret-aad-secret-aad-secret-x")
	a, _ := newSessionCookie("a", true, id, keys)
	b, _ := newSessionCookie("b", true, id, keys)
	insecure, _ := newSessionCookie("a", false, id, keys)

	ck, err := a.seal(testData(), 60)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.open(ck.Value); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("open under another name: got %v want ErrCookieInvalid", err)
	}
	if _, err := insecure.open(ck.Value); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("open under another secure flag: got %v want ErrCookieInvalid", err)
	}
}

func TestSessionCookie_RotationOldKeyStillOpens(t *testing.T) {
	oldID, oldKey, _ := DeriveKey("old-secret-old-secret-old-secret-x")
	newID, newKey, _ := DeriveKey("new-secret-new-secret-new-secret-x")

	before, _ := newSessionCookie(CookieName, true, oldID, map[string][]byte{oldID: oldKey})
	sd := testData()
	ck, err := before.seal(sd, 60)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	after, err := newSessionCookie(CookieName, true, newID, map[string][]byte{oldID: oldKey, newID: newKey})
	if err != nil {
		t.Fatalf("newSessionCookie: %v", err)
	}
	got, err := after.open(ck.Value)
	if err != nil || got.ID != sd.ID {
		t.Fatalf("open with rotated keys: got %+v, %v", got, err)
	}
	ck2, _ := after.seal(testData(), 60)
	if !strings.HasPrefix(ck2.Value, newID+".") {
		t.Fatalf("seal should use the current key id %q, got %q", newID, ck2.Value)
	}
}

func TestNewSessionCookie_Validation(t *testing.T) {
	id, keys := testKeys(t, "validation-secret-validation-secret")
	if _, err := newSessionCookie("", true, id, keys); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty name: got %v want ErrCookieConfig", err)
	}
	if _, err := newSessionCookie(CookieName, true, "missing", keys); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("missing key id: got %v want ErrCookieConfig", err)
	}
	if _, err := newSessionCookie(CookieName, true, id, nil); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("nil keys: got %v want ErrCookieConfig", err)
	}
	if _, err := newSessionCookie(CookieName, true, "short", map[string][]byte{"short": []byte("too short")}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("short key: got %v want ErrCookieConfig", err)
	}
}
