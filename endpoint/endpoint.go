// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// A request passes through three phases:
//
//  1. Unmarshal: the EndpointHandler decodes path, query, form, cookie,
//     header and JSON body values into a typed params struct using struct tags.
//  2. Endpoint: the EndpointFunc runs business logic and returns a Renderer.
//     It does not write to the response directly.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before the EndpointFunc and can be chained as middleware.
//
// Supported Renderers:
//   - JSONRenderer: serializes a value as JSON.
//   - StringRenderer: writes a string body.
//   - HTMLTemplateRenderer: renders an html/template.
//   - RedirectRenderer: redirects the client.
//   - NoContentRenderer: writes a status code with no body.
//   - ProxyRenderer: proxies the request to an upstream endpoint.
package endpoint

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps directly to an HTTP status code.
type EndpointError struct {
	Status int
	// Message is a short, human-readable description suitable for an HTTP error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. An err that already carries an
// EndpointError is returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// StatusAndMessage extracts the HTTP status and client-visible message for err.
// Errors that are not EndpointErrors map to 500 with a generic message, so
// internal details never reach the client.
func StatusAndMessage(err error) (int, string) {
	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		status := ee.Status
		if status < 100 {
			status = http.StatusInternalServerError
		}
		if ee.Message == "" {
			return status, http.StatusText(status)
		}
		return status, ee.Message
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// Renderers are values that write a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader() and may set Content-Type before doing so.
// A non-nil error from Render indicates a failure to write the response.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the Renderer.
//
// Processors MUST call next(...) unless they intend to short-circuit the
// request, and MUST NOT write the response status or body. If a processor
// returns a non-nil error the chain stops and the error is rendered.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the decoded params and returns a Renderer responsible for
// writing the response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// ErrorRendererFunc builds the response for an error returned by a processor
// or an EndpointFunc.
type ErrorRendererFunc func(err error) Renderer

// PlainTextErrors renders errors with http.Error, using StatusAndMessage.
func PlainTextErrors(err error) Renderer {
	return RendererFunc(func(w http.ResponseWriter, _ *http.Request) error {
		status, message := StatusAndMessage(err)
		if status == http.StatusNoContent {
			w.WriteHeader(status)
			return nil
		}
		http.Error(w, message, status)
		return nil
	})
}

// EndpointHandler is the standard http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
	// Errors renders failures. Defaults to PlainTextErrors.
	Errors ErrorRendererFunc
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

// WithErrors sets the error renderer and returns h.
func (h *EndpointHandler[P]) WithErrors(f ErrorRendererFunc) *EndpointHandler[P] {
	h.Errors = f
	return h
}

type hooksKey struct{}

// Defer registers a function to be called before the response headers are written.
// fn must not call WriteHeader itself.
//
// Outside an EndpointHandler this is a silent no-op, so middleware relying on
// Defer (like sessions) only persists state when mounted through a handler.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit executes all deferred functions registered via Defer, in LIFO order.
// It should be called exactly once before writing headers.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		for i := len(*hooks) - 1; i >= 0; i-- {
			(*hooks)[i](w)
		}
		*hooks = nil
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	// last tracks the request as modified by processors, so the error
	// renderer sees the same context the endpoint did.
	last := r
	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		last = r2
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		Commit(r2.Context(), w2)
		return renderer.Render(w2, r2)
	}

	err := run(0, w, r)
	if err == nil {
		return
	}

	errs := h.Errors
	if errs == nil {
		errs = PlainTextErrors
	}
	Commit(last.Context(), w)
	if rerr := errs(err).Render(w, last); rerr != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
