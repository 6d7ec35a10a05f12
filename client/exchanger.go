package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/mnehpets/scaffoldauth/auth"
)

const (
	defaultExchangeTimeout = 15 * time.Second
	maxResultBytes         = 1 << 20
)

// Exchanger sends the callback code and state to the code exchange service.
type Exchanger interface {
	Exchange(ctx context.Context, code, state string) (*auth.AuthorizationResult, error)
}

// HTTPExchanger calls the backend exchange endpoint over HTTP. Cookies are
// forwarded so the backend sees the browser's session.
type HTTPExchanger struct {
	endpoint string
	basePath string
	client   *http.Client
	cookies  []*http.Cookie

	mu        sync.Mutex
	setCookie []*http.Cookie
}

// ExchangerOption configures an HTTPExchanger.
type ExchangerOption func(*HTTPExchanger)

// WithHTTPClient sets the client used to reach the backend.
func WithHTTPClient(c *http.Client) ExchangerOption {
	return func(e *HTTPExchanger) {
		if c != nil {
			e.client = c
		}
	}
}

// WithCookies forwards cookies with the exchange request.
func WithCookies(cookies []*http.Cookie) ExchangerOption {
	return func(e *HTTPExchanger) {
		e.cookies = cookies
	}
}

// WithBasePath sets where the backend mounts its login endpoints.
// Defaults to auth.DefaultBasePath.
func WithBasePath(basePath string) ExchangerOption {
	return func(e *HTTPExchanger) {
		if basePath != "" {
			e.basePath = basePath
		}
	}
}

// NewHTTPExchanger targets the exchange endpoint below backendURL.
func NewHTTPExchanger(backendURL string, opts ...ExchangerOption) (*HTTPExchanger, error) {
	u, err := url.Parse(backendURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("client: backend URL must be absolute: %q", backendURL)
	}

	e := &HTTPExchanger{
		basePath: auth.DefaultBasePath,
		client:   &http.Client{Timeout: defaultExchangeTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	u.Path = path.Join(u.Path, e.basePath, "exchange-code")
	e.endpoint = u.String()
	return e, nil
}

// Exchange implements Exchanger. A non-2xx response with a result body is
// returned as an unsuccessful result, not an error.
func (e *HTTPExchanger) Exchange(ctx context.Context, code, state string) (*auth.AuthorizationResult, error) {
	body, err := json.Marshal(auth.ExchangeRequest{Code: code, State: state})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, c := range e.cookies {
		req.AddCookie(c)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	e.mu.Lock()
	e.setCookie = resp.Cookies()
	e.mu.Unlock()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, err
	}
	var result auth.AuthorizationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid response from server (status %d)", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Success = false
	}
	return &result, nil
}

// ResponseCookies returns the cookies set by the last exchange response.
func (e *HTTPExchanger) ResponseCookies() []*http.Cookie {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setCookie
}

var _ Exchanger = (*HTTPExchanger)(nil)
