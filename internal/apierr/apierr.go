// Package apierr maps internal failures to the wire-visible error surface.
// Internal causes are logged, never serialized into a response body.
package apierr

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/gluk-w/shelltop/internal/logutil"
)

// Kind is one of the observable error categories.
type Kind int

const (
	AuthFailed Kind = iota
	Forbidden
	BadRequest
	RateLimited
	Internal
)

var responses = map[Kind]struct {
	status int
	detail string
}{
	AuthFailed:  {http.StatusUnauthorized, "Authentication failed"},
	Forbidden:   {http.StatusForbidden, "Access denied"},
	BadRequest:  {http.StatusBadRequest, "Invalid request"},
	RateLimited: {http.StatusTooManyRequests, "Too many requests"},
	Internal:    {http.StatusInternalServerError, "Internal error"},
}

// Write sends the generic body for kind, logging cause server-side when
// non-nil. Internal faults additionally carry a correlation id in both the
// log line and the response, so an operator can match a client report to
// the log.
func Write(w http.ResponseWriter, kind Kind, cause error) {
	resp, ok := responses[kind]
	if !ok {
		resp = responses[Internal]
	}

	body := map[string]string{"detail": resp.detail}
	switch {
	case kind == Internal:
		corr := uuid.New().String()[:8]
		body["correlation_id"] = corr
		if cause != nil {
			log.Printf("internal error [%s]: %s", corr, logutil.SanitizeForLog(cause.Error()))
		} else {
			log.Printf("internal error [%s]", corr)
		}
	case cause != nil:
		log.Printf("request rejected (%d): %s", resp.status, logutil.SanitizeForLog(cause.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	json.NewEncoder(w).Encode(body)
}
