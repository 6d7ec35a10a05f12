package endpoint

import (
	"encoding/json"
	"net/http"
)

// JSONRenderer serializes a value as JSON and writes it to the response.
//
// Content-Type is always "application/json". HTML escaping is disabled. If
// encoding fails the error is returned, but the status line has already been
// written, so callers should treat it as a best-effort signal.
type JSONRenderer struct {
	Status int
	Value  any
	// NoStore sets "Cache-Control: no-store" and "Pragma: no-cache", as
	// required for responses carrying credentials.
	NoStore bool
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	if jr.NoStore {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
	}

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}
