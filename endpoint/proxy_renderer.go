package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// ProxyRenderer forwards the incoming request to an upstream endpoint.
//
// A single ProxyRenderer may be shared across requests; it holds no
// per-request state.
type ProxyRenderer struct {
	// Proxy is the ReverseProxy used to forward the request. It must be non-nil.
	Proxy *httputil.ReverseProxy
}

// NewProxyRenderer creates a ProxyRenderer that forwards requests to targetURL.
//
// The target must be an absolute, trusted URL: cookies and Authorization
// headers of the incoming request are forwarded as-is. The outbound Host is
// the target host and X-Forwarded-* headers are set from the inbound request.
func NewProxyRenderer(targetURL string) (*ProxyRenderer, error) {
	if targetURL == "" {
		return nil, errors.New("endpoint: target URL is required")
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid target URL: %w", err)
	}
	if !target.IsAbs() {
		return nil, errors.New("endpoint: target URL must be absolute")
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	return &ProxyRenderer{Proxy: proxy}, nil
}

// Render implements Renderer.
func (p *ProxyRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if p.Proxy == nil {
		return errors.New("endpoint: ProxyRenderer.Proxy is nil")
	}
	p.Proxy.ServeHTTP(w, r)
	return nil
}
