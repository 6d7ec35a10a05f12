package auth

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/mnehpets/scaffoldauth/endpoint"
	"github.com/mnehpets/scaffoldauth/middleware"
	"github.com/mnehpets/scaffoldauth/store"
	log "github.com/sirupsen/logrus"
)

// Default routes.
const (
	DefaultBasePath = "/api/auth/github"
	HealthPath      = "/healthz"
)

// healthTimeout bounds the store ping behind /healthz.
const healthTimeout = 2 * time.Second

// ExchangeRequest is the JSON body of the exchange endpoint.
type ExchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// LoginParams are the (empty) parameters of the initiation endpoint.
type LoginParams struct{}

// ExchangeParams decodes the exchange endpoint request.
type ExchangeParams struct {
	Body ExchangeRequest `body:"json"`
}

// Handler serves the backend half of the flow:
//
//	GET  {base}                initiation: 302 to the provider
//	POST {base}/exchange-code  code exchange: JSON AuthorizationResult
//	GET  /healthz              liveness, pings the store when it supports it
type Handler struct {
	mux         *http.ServeMux
	initiator   *Initiator
	exchanger   *ExchangeService
	session     *middleware.SessionProcessor
	health      store.Pinger
	redirectURI string
	scopes      []string
	basePath    string
	logger      log.FieldLogger

	// processors are the middleware processors to run for each endpoint
	processors []endpoint.Processor
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to every endpoint. They run
// before the session processor.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithHealthCheck makes /healthz ping p.
func WithHealthCheck(p store.Pinger) Option {
	return func(h *Handler) {
		h.health = p
	}
}

// WithBasePath mounts the auth endpoints under basePath.
func WithBasePath(basePath string) Option {
	return func(h *Handler) {
		h.basePath = basePath
	}
}

// WithLogger sets the handler logger.
func WithLogger(l log.FieldLogger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates the backend Handler. redirectURI is the front-end
// callback location registered with the provider.
func NewHandler(initiator *Initiator, exchanger *ExchangeService, session *middleware.SessionProcessor, redirectURI string, scopes []string, opts ...Option) (*Handler, error) {
	if initiator == nil || exchanger == nil {
		return nil, errors.New("auth: initiator and exchange service are required")
	}
	if session == nil {
		return nil, errors.New("auth: session processor is required")
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return nil, err
	}

	h := &Handler{
		mux:         http.NewServeMux(),
		initiator:   initiator,
		exchanger:   exchanger,
		session:     session,
		redirectURI: redirectURI,
		scopes:      scopes,
		basePath:    DefaultBasePath,
		logger:      log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.basePath, "/") {
		h.basePath = "/" + h.basePath
	}

	withSession := append(append([]endpoint.Processor{}, h.processors...), h.session)

	h.mux.Handle("GET "+h.basePath, endpoint.Handler(h.login, withSession...))
	h.mux.Handle("POST "+path.Join(h.basePath, "exchange-code"),
		endpoint.Handler(h.exchange, withSession...).WithErrors(resultErrors))
	// Preflight never reaches an endpoint: the CORS processor answers it.
	h.mux.Handle("OPTIONS "+h.basePath+"/", endpoint.Handler(preflight, h.processors...))
	h.mux.Handle("GET "+HealthPath, endpoint.Handler(h.healthz, h.processors...))
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ LoginParams) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("auth: no session processor"))
	}
	// Each initiation gets a fresh session ID, so an ID planted before login
	// never carries an authorization.
	sessionID := sess.Renew()

	authURL, err := h.initiator.Initiate(r.Context(), sessionID, h.redirectURI, h.scopes)
	if err != nil {
		middleware.LoggerFromContext(r.Context(), h.logger).WithError(err).Error("authorization initiation failed")
		if errors.Is(err, ErrConfig) {
			return nil, endpoint.Error(http.StatusInternalServerError, "OAuth is not configured.", err)
		}
		return nil, endpoint.Error(http.StatusInternalServerError, "Failed to start authorization.", err)
	}
	return &endpoint.RedirectRenderer{URL: authURL, Status: http.StatusFound}, nil
}

func (h *Handler) exchange(w http.ResponseWriter, r *http.Request, params ExchangeParams) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("auth: no session processor"))
	}
	// A missing session takes the same path as an expired one.
	result := h.exchanger.Exchange(r.Context(), sess.ID(), params.Body.Code, params.Body.State)
	// The pending authorization is gone either way; so is the session's purpose.
	sess.Clear()

	return &endpoint.JSONRenderer{Status: result.Status(), Value: result, NoStore: true}, nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			middleware.LoggerFromContext(r.Context(), h.logger).WithError(err).Warn("health check failed")
			return &endpoint.StringRenderer{Status: http.StatusServiceUnavailable, Body: "store unavailable"}, nil
		}
	}
	return &endpoint.StringRenderer{Body: "ok"}, nil
}

func preflight(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.NoContentRenderer{}, nil
}

// resultErrors renders request errors on the exchange endpoint in the
// AuthorizationResult shape, so clients have one body format to parse.
func resultErrors(err error) endpoint.Renderer {
	status, message := endpoint.StatusAndMessage(err)
	return &endpoint.JSONRenderer{
		Status:  status,
		Value:   &AuthorizationResult{Success: false, ErrorMessage: message},
		NoStore: true,
	}
}
