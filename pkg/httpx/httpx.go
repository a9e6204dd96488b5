// Package httpx holds the JSON request/response helpers shared by the publisher and
// consumer APIs.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Error codes returned in {"ok":false,"error":code} bodies.
const (
	CodeAuthFailed      = "AuthFailed"
	CodeArtifactInvalid = "ArtifactInvalid"
	CodeNotFound        = "NotFound"
	CodeFetchFailed     = "FetchFailed"
	CodeNoSnapshot      = "NoSnapshot"
	CodeBadRequest      = "BadRequest"
	CodeConflict        = "Conflict"
	CodeInternal        = "Internal"
)

// DefaultTimeout bounds database work done inside a handler.
const DefaultTimeout = 5 * time.Second

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 4 << 20

// Mapping associates a sentinel error with the status and code it is reported as.
type Mapping struct {
	Err    error
	Status int
	Code   string
}

// Classify returns the status and code for err using the first mapping it matches.
// Unmatched errors are internal.
func Classify(err error, mappings ...Mapping) (int, string) {
	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			return m.Status, m.Code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// DecodeJSON strictly decodes the request body into dest.
func DecodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// RespondJSON writes payload as JSON with the given status.
func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondError writes the structured failure body. Only the code is exposed; callers
// log the underlying error themselves.
func RespondError(w http.ResponseWriter, status int, code string) {
	if code == "" {
		code = CodeInternal
	}
	RespondJSON(w, status, map[string]any{"ok": false, "error": code})
}

// WithTimeout applies DefaultTimeout to ctx.
func WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultTimeout)
}
