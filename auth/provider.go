package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// GitHubUserInfoURL is the GitHub REST endpoint for the authenticated user.
const GitHubUserInfoURL = "https://api.github.com/user"

// DefaultProviderTimeout bounds each outbound call to the provider.
const DefaultProviderTimeout = 10 * time.Second

// maxUserInfoBytes bounds the user-info response we are willing to parse.
const maxUserInfoBytes = 1 << 20

// User is the normalized identity returned to the browser.
type User struct {
	ID        string `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Name      string `json:"name,omitempty"`
}

// Provider represents a configured OAuth/OIDC provider.
type Provider struct {
	id           string
	config       oauth2.Config
	oidcProvider *oidc.Provider        // Optional: nil if not OIDC
	verifier     *oidc.IDTokenVerifier // Optional: nil if not OIDC
	userInfoURL  string
	client       *http.Client
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithEndpoint overrides the authorization and token URLs.
func WithEndpoint(authURL, tokenURL string) ProviderOption {
	return func(p *Provider) {
		p.config.Endpoint.AuthURL = authURL
		p.config.Endpoint.TokenURL = tokenURL
	}
}

// WithUserInfoURL overrides the user-info URL.
func WithUserInfoURL(u string) ProviderOption {
	return func(p *Provider) {
		p.userInfoURL = u
	}
}

// WithHTTPClient sets the client used for all provider calls.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTimeout sets the timeout on the default HTTP client.
func WithTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.client = &http.Client{Timeout: d}
		}
	}
}

func newProvider(id, clientID, clientSecret string, endpoint oauth2.Endpoint, opts ...ProviderOption) *Provider {
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	p := &Provider{
		id: id,
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		client: &http.Client{Timeout: DefaultProviderTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewGitHubProvider returns a plain OAuth2 provider for GitHub.
func NewGitHubProvider(clientID, clientSecret string, opts ...ProviderOption) *Provider {
	opts = append([]ProviderOption{WithUserInfoURL(GitHubUserInfoURL)}, opts...)
	return newProvider("github", clientID, clientSecret, endpoints.GitHub, opts...)
}

// NewOIDCProvider performs discovery against issuer and returns a provider
// that verifies ID tokens and reads the userinfo endpoint.
func NewOIDCProvider(ctx context.Context, issuer, clientID, clientSecret string, opts ...ProviderOption) (*Provider, error) {
	p := newProvider("oidc", clientID, clientSecret, oauth2.Endpoint{}, opts...)

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.client), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider %q: %w", issuer, err)
	}
	p.oidcProvider = op
	p.config.Endpoint = op.Endpoint()
	p.config.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	p.verifier = op.Verifier(&oidc.Config{ClientID: clientID})
	p.userInfoURL = op.UserInfoEndpoint()
	return p, nil
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return p.id
}

// IsOIDC reports whether ID tokens are issued and verified.
func (p *Provider) IsOIDC() bool {
	return p.oidcProvider != nil
}

func (p *Provider) validate() error {
	if p == nil {
		return fmt.Errorf("%w: no provider", ErrConfig)
	}
	if p.config.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrConfig)
	}
	if p.config.ClientSecret == "" {
		return fmt.Errorf("%w: client secret is required", ErrConfig)
	}
	if p.config.Endpoint.AuthURL == "" || p.config.Endpoint.TokenURL == "" {
		return fmt.Errorf("%w: provider endpoints are required", ErrConfig)
	}
	return nil
}

// AuthCodeURL builds the authorization URL for one attempt.
func (p *Provider) AuthCodeURL(redirectURI string, scopes []string, state, challenge, nonce string) string {
	conf := p.config
	conf.RedirectURL = redirectURI
	conf.Scopes = scopes

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	return conf.AuthCodeURL(state, opts...)
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// Exchange trades code and verifier for a token at the token endpoint.
// When the provider is OIDC, the ID token is verified and its nonce must
// equal nonce.
func (p *Provider) Exchange(ctx context.Context, code, verifier, redirectURI, nonce string) (*oauth2.Token, error) {
	conf := p.config
	conf.RedirectURL = redirectURI

	token, err := conf.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyExchangeError(err)
	}
	if p.verifier == nil {
		return token, nil
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &ProviderError{Code: "invalid_token", Description: "no id_token returned"}
	}
	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.client), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token verification failed: %v", ErrProvider, err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, &ProviderError{Code: "invalid_token", Description: "nonce mismatch"}
	}
	return token, nil
}

// classifyExchangeError sorts token endpoint failures into ErrProvider
// (the provider answered with an OAuth error or no token) and ErrUpstream
// (transport failure, timeout or an error status without an OAuth error).
func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode != "" {
			return &ProviderError{Code: re.ErrorCode, Description: re.ErrorDescription}
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return fmt.Errorf("%w: token endpoint returned status %d", ErrUpstream, status)
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	// A 2xx response without an access token, or one that does not parse.
	return fmt.Errorf("%w: %v", ErrProvider, err)
}

// isTransportError reports network failures and timeouts. *url.Error and
// net.Error both implement Timeout.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te)
}

// FetchUser reads the user profile with token as a bearer credential and
// normalizes it. Every field of the response is treated as untrusted.
func (p *Provider) FetchUser(ctx context.Context, token *oauth2.Token) (*User, error) {
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("no access token")
	}
	if p.oidcProvider != nil {
		info, err := p.oidcProvider.UserInfo(oidc.ClientContext(ctx, p.client), oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, fmt.Errorf("userinfo: %w", err)
		}
		var raw json.RawMessage
		if err := info.Claims(&raw); err != nil {
			return nil, fmt.Errorf("userinfo claims: %w", err)
		}
		return normalizeOIDCUser(raw)
	}

	if p.userInfoURL == "" {
		return nil, errors.New("no user-info endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user-info request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoBytes))
	if err != nil {
		return nil, fmt.Errorf("user-info read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user-info returned status %d", resp.StatusCode)
	}
	return normalizeGitHubUser(body)
}

// normalizeGitHubUser maps a GitHub /user response. id and login are required.
func normalizeGitHubUser(body []byte) (*User, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("user-info: invalid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, errors.New("user-info: not an object")
	}
	id := doc.Get("id")
	if id.Type != gjson.Number && id.Type != gjson.String || id.String() == "" {
		return nil, errors.New("user-info: missing id")
	}
	login := doc.Get("login")
	if login.Type != gjson.String || login.String() == "" {
		return nil, errors.New("user-info: missing login")
	}
	return &User{
		ID:        id.String(),
		Login:     login.String(),
		AvatarURL: stringField(doc, "avatar_url"),
		Name:      stringField(doc, "name"),
	}, nil
}

// normalizeOIDCUser maps standard OIDC claims. sub is required; login falls
// back from preferred_username to email to sub.
func normalizeOIDCUser(body []byte) (*User, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("userinfo: invalid JSON")
	}
	doc := gjson.ParseBytes(body)
	sub := stringField(doc, "sub")
	if sub == "" {
		return nil, errors.New("userinfo: missing sub")
	}
	login := stringField(doc, "preferred_username")
	if login == "" {
		login = stringField(doc, "email")
	}
	if login == "" {
		login = sub
	}
	return &User{
		ID:        sub,
		Login:     login,
		AvatarURL: stringField(doc, "picture"),
		Name:      stringField(doc, "name"),
	}, nil
}

// stringField returns the named field if it is a JSON string, else "".
func stringField(doc gjson.Result, name string) string {
	v := doc.Get(name)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}
