package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/restdeck/restdeck/core/access"
	"github.com/restdeck/restdeck/core/schema"
)

// Error is a client-facing operation failure. Every failure of the engine
// maps to exactly one HTTP status with a human-readable detail.
type Error struct {
	Status    int                 `json:"-"`
	Detail    string              `json:"detail"`
	Fields    []schema.FieldError `json:"errors,omitempty"`
	Challenge string              `json:"-"`
}

func (e *Error) Error() string {
	return e.Detail
}

// NotFound returns a not-found failure for a missing or inaccessible
// record or command.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Forbidden returns a forbidden failure. Relation and foreign-key ownership
// violations report access denied uniformly, without leaking which row failed.
func Forbidden(detail string, requiredScopes []string) *Error {
	return &Error{
		Status:    http.StatusForbidden,
		Detail:    detail,
		Challenge: access.Challenge(requiredScopes),
	}
}

// AccessDenied is the uniform ownership violation failure.
func AccessDenied() *Error {
	return Forbidden("Access denied: attempt to use objects not owned by current user", nil)
}

// Unauthorized returns a bad-credential failure with the challenge for the
// required scopes.
func Unauthorized(requiredScopes []string) *Error {
	return &Error{
		Status:    http.StatusUnauthorized,
		Detail:    "Could not validate credentials",
		Challenge: access.Challenge(requiredScopes),
	}
}

// ValidationFailed returns a malformed-input failure with a structured
// field-error list.
func ValidationFailed(fields []schema.FieldError) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Detail: "validation failed", Fields: fields}
}

// ValidationFailedf returns a malformed-input failure for a single field.
func ValidationFailedf(field, format string, args ...interface{}) *Error {
	return ValidationFailed([]schema.FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}})
}

// WriteRejected converts a storage constraint violation into a generic
// client-facing rejection. Writes fail loudly; nothing is retried.
func WriteRejected(err error) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Detail: "write rejected: " + err.Error()}
}

// isIntegrityViolation reports whether err is a storage-engine constraint
// violation on write (pq class 23).
func isIntegrityViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}

// isTransientReadError reports whether err is a malformed filter or sort
// value rejected by the storage engine at read time (pq data exceptions and
// undefined column / syntax errors). These degrade to empty results.
func isTransientReadError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "22" ||
			pqErr.Code == "42703" || pqErr.Code == "42601"
	}
	return false
}

// WriteError writes err to w, mapping engine failures to their status and
// everything else to an internal server error.
func WriteError(w http.ResponseWriter, err error) {
	var opErr *Error
	if !errors.As(err, &opErr) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if opErr.Challenge != "" {
		w.Header().Set("WWW-Authenticate", opErr.Challenge)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(opErr.Status)
	jsonData, _ := json.Marshal(opErr)
	w.Write(jsonData)
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	jsonData, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}
