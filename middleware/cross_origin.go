package middleware

import (
	"net/http"

	"github.com/mnehpets/scaffoldauth/endpoint"
)

// CrossOriginProcessor rejects cross-origin browser requests with unsafe
// methods. It relies on Sec-Fetch-Site, falling back to comparing Origin
// with Host. Requests carrying neither header are not from a browser and
// pass.
type CrossOriginProcessor struct {
	protection *http.CrossOriginProtection
}

// NewCrossOriginProcessor returns a CrossOriginProcessor with no trusted
// origins beyond the request's own.
func NewCrossOriginProcessor() *CrossOriginProcessor {
	return &CrossOriginProcessor{protection: http.NewCrossOriginProtection()}
}

// Process implements endpoint.Processor.
func (p *CrossOriginProcessor) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	if err := p.protection.Check(r); err != nil {
		return endpoint.Error(http.StatusForbidden, "Cross-origin request rejected.", err)
	}
	return next(w, r)
}
