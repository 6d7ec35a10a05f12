package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/scaffoldauth/store"
)

const (
	testClientID     = "client-id"
	testClientSecret = "client-secret"
	testRedirectURI  = "http://localhost:8080/oauth/callback"
)

var testScopes = []string{"read:user", "user:email"}

// fakeGitHub is a recording fake of the GitHub token and user endpoints.
type fakeGitHub struct {
	srv *httptest.Server

	tokenHits atomic.Int32
	userHits  atomic.Int32

	mu         sync.Mutex
	lastForm   url.Values
	lastAuthz  string
	tokenCode  int
	tokenBody  string
	tokenBlock bool
	userCode   int
	userBody   string
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{
		tokenCode: http.StatusOK,
		tokenBody: `{"access_token":"tok-1","token_type":"bearer","scope":"read:user,user:email"}`,
		userCode:  http.StatusOK,
		userBody:  `{"login":"alice","id":1,"avatar_url":"http://x/a.png","name":"Alice"}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		_ = r.ParseForm()
		f.mu.Lock()
		f.lastForm = r.PostForm
		code, body, block := f.tokenCode, f.tokenBody, f.tokenBlock
		f.mu.Unlock()
		if block {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		f.userHits.Add(1)
		f.mu.Lock()
		f.lastAuthz = r.Header.Get("Authorization")
		code, body := f.userCode, f.userBody
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) setToken(code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCode, f.tokenBody = code, body
}

func (f *fakeGitHub) setUser(code int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCode, f.userBody = code, body
}

func (f *fakeGitHub) blockToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenBlock = true
}

func (f *fakeGitHub) form() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *fakeGitHub) authz() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuthz
}

func (f *fakeGitHub) provider(opts ...ProviderOption) *Provider {
	base := []ProviderOption{
		WithEndpoint(f.srv.URL+"/login/oauth/authorize", f.srv.URL+"/login/oauth/access_token"),
		WithUserInfoURL(f.srv.URL + "/user"),
		WithHTTPClient(f.srv.Client()),
	}
	return NewGitHubProvider(testClientID, testClientSecret, append(base, opts...)...)
}

// fakeOIDC is an OIDC provider with discovery, JWKS, token and userinfo.
// The token endpoint signs an ID token carrying whatever nonce is set.
type fakeOIDC struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	tokenHits    atomic.Int32
	userinfoHits atomic.Int32

	mu    sync.Mutex
	nonce string
}

func newFakeOIDC(t *testing.T) *fakeOIDC {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"))
	if err != nil {
		t.Fatalf("jose.NewSigner: %v", err)
	}

	f := &fakeOIDC{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		issuer := f.srv.URL
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"jwks_uri":                              issuer + "/keys",
			"authorization_endpoint":                issuer + "/auth",
			"token_endpoint":                        issuer + "/token",
			"userinfo_endpoint":                     issuer + "/userinfo",
			"response_types_supported":              []string{"code"},
			"subject_types_supported":               []string{"public"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("GET /keys", func(w http.ResponseWriter, r *http.Request) {
		jwk := jose.JSONWebKey{Key: &key.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	})
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenHits.Add(1)
		f.mu.Lock()
		nonce := f.nonce
		f.mu.Unlock()
		claims := jwt.Claims{
			Subject:   "user123",
			Issuer:    f.srv.URL,
			Audience:  jwt.Audience{testClientID},
			Expiry:    jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		}
		raw, err := jwt.Signed(signer).Claims(claims).Claims(map[string]any{"nonce": nonce}).Serialize()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "oidc-token",
			"id_token":     raw,
			"token_type":   "Bearer",
		})
	})
	mux.HandleFunc("GET /userinfo", func(w http.ResponseWriter, r *http.Request) {
		f.userinfoHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub":"user123","preferred_username":"bob","picture":"http://x/b.png","name":"Bob"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOIDC) setNonce(n string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = n
}

func (f *fakeOIDC) provider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewOIDCProvider(context.Background(), f.srv.URL, testClientID, testClientSecret, WithHTTPClient(f.srv.Client()))
	if err != nil {
		t.Fatalf("NewOIDCProvider: %v", err)
	}
	return p
}

// failingStore fails every operation with err.
type failingStore struct {
	err error
}

func (s failingStore) Put(context.Context, string, *store.PendingAuthorization) error {
	return s.err
}

func (s failingStore) Take(context.Context, string) (*store.PendingAuthorization, error) {
	return nil, s.err
}

func (s failingStore) Ping(context.Context) error {
	return s.err
}

var errStoreDown = errors.New("store down")

// queryOf parses the query string of an authorization URL.
func queryOf(t *testing.T, authURL string) url.Values {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse %q: %v", authURL, err)
	}
	return u.Query()
}
