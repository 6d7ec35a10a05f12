package middleware

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mnehpets/scaffoldauth/endpoint"
)

// SecurityHeadersProcessor sets response security headers and answers CORS.
//
// NewAPISecurityHeadersProcessor suits the JSON/redirect backend;
// NewWebSecurityHeadersProcessor suits the HTML pages of the front-end host.
// Preflight (OPTIONS with Origin and Access-Control-Request-Method) is
// short-circuited with 204 when CORS is configured.
type SecurityHeadersProcessor struct {
	// HSTSMaxAge is the Strict-Transport-Security max-age in seconds; 0 disables it.
	HSTSMaxAge int

	ReferrerPolicy        string
	FrameOptions          string
	ContentSecurityPolicy string
	// NoSniff sets X-Content-Type-Options: nosniff.
	NoSniff bool

	// CORS is nil when cross-origin access is not allowed.
	CORS *CORSConfig
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists exact origins (scheme://host[:port]). "*" is
	// ignored when AllowCredentials is set.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// FrontendCORS returns the CORS configuration for the origin of frontendURL,
// a front end that sends cookies. Any path on frontendURL is ignored.
func FrontendCORS(frontendURL string) *CORSConfig {
	origin := strings.TrimRight(frontendURL, "/")
	if u, err := url.Parse(frontendURL); err == nil && u.Scheme != "" && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}
	return &CORSConfig{
		AllowedOrigins:   []string{origin},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           600,
	}
}

// SecurityHeadersOption is a functional option for configuring SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// WithCORS configures CORS headers for cross-origin access.
func WithCORS(config *CORSConfig) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.CORS = config
	}
}

// WithHSTS sets the HSTS max-age; 0 disables the header.
func WithHSTS(maxAge int) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTSMaxAge = maxAge
	}
}

// NewAPISecurityHeadersProcessor creates a SecurityHeadersProcessor with defaults for APIs.
func NewAPISecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		NoSniff:               true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewWebSecurityHeadersProcessor creates a SecurityHeadersProcessor for HTML pages.
func NewWebSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		// The callback URL carries code and state; keep them out of Referer.
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' https: data:; base-uri 'self'; form-action 'self' https:; frame-ancestors 'none'",
		NoSniff:               true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.NoSniff {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	if p.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}

	if p.CORS != nil {
		setCORSHeaders(w, r, p.CORS)
		if r.Method == http.MethodOptions &&
			r.Header.Get("Origin") != "" &&
			r.Header.Get("Access-Control-Request-Method") != "" {
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}

	return next(w, r)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, config *CORSConfig) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	h.Add("Vary", "Origin")

	allowed := false
	for _, o := range config.AllowedOrigins {
		if o == "*" && !config.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
			allowed = true
			break
		}
		if o == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	if r.Method == http.MethodOptions {
		if len(config.AllowedMethods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
		}
		if len(config.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
		}
		if config.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
