package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/scaffoldauth/endpoint"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// sensitiveQueryKeys are masked before a request URL is logged.
var sensitiveQueryKeys = map[string]bool{
	"code":          true,
	"state":         true,
	"code_verifier": true,
	"access_token":  true,
	"client_secret": true,
	"nonce":         true,
}

type requestIDKey struct{}

// RequestIDFromContext returns the request ID assigned by RequestLogger.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggerFromContext returns base with the request ID attached, if there is one.
func LoggerFromContext(ctx context.Context, base log.FieldLogger) log.FieldLogger {
	if base == nil {
		base = log.StandardLogger()
	}
	if id := RequestIDFromContext(ctx); id != "" {
		return base.WithField("request_id", id)
	}
	return base
}

// MaskSensitiveQuery replaces the values of OAuth parameters in a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparseable]"
	}
	for k, vs := range values {
		if sensitiveQueryKeys[strings.ToLower(k)] {
			for i := range vs {
				vs[i] = "***"
			}
		}
	}
	return values.Encode()
}

// RequestLogger is an endpoint processor that assigns a request ID and logs
// one line per request.
type RequestLogger struct {
	Logger log.FieldLogger
}

// NewRequestLogger returns a RequestLogger writing to logger, or to the
// standard logger when logger is nil.
func NewRequestLogger(logger log.FieldLogger) *RequestLogger {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RequestLogger{Logger: logger}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Process implements endpoint.Processor.
func (p *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	start := time.Now()

	requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	*r = *r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

	rec := &statusRecorder{ResponseWriter: w}
	err := next(rec, r)

	status := rec.status
	if err != nil {
		// The error is rendered after this processor returns.
		status, _ = endpoint.StatusAndMessage(err)
	} else if status == 0 {
		status = http.StatusOK
	}

	path := r.URL.Path
	if q := MaskSensitiveQuery(r.URL.RawQuery); q != "" {
		path += "?" + q
	}
	latency := time.Since(start)

	entry := p.Logger.WithFields(log.Fields{
		"status":     status,
		"latency_ms": latency.Milliseconds(),
		"method":     r.Method,
		"path":       path,
		"request_id": requestID,
	})
	switch {
	case status >= http.StatusInternalServerError:
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Error("request failed")
	case status >= http.StatusBadRequest:
		entry.Warn("request rejected")
	default:
		entry.Info("request")
	}
	return err
}

var _ endpoint.Processor = (*RequestLogger)(nil)
