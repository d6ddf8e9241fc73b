// Package apierr turns every failure a gatekeep handler can produce into
// the single error envelope the HTTP API returns:
//
//	{
//	  "status":  403,
//	  "message": "forbidden"
//	}
//
// The HTTP status line always mirrors the "status" field. "message" is a
// string except for validation failures, where it is the list of field
// violations so clients can attach each one to its form input.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// GenericMessage replaces internal error text outside development.
const GenericMessage = "Internal Server Error"

// ---------------------------------------------------------------------------
// NormalizedError - the envelope written to clients.
// ---------------------------------------------------------------------------

// NormalizedError is the canonical {status, message} shape.
type NormalizedError struct {
	Status  int `json:"status"`
	Message any `json:"message"`
}

// Error renders the envelope so clients can hand it around as an error.
func (e NormalizedError) Error() string {
	switch m := e.Message.(type) {
	case string:
		return fmt.Sprintf("%d: %s", e.Status, m)
	case nil:
		return fmt.Sprintf("%d: %s", e.Status, http.StatusText(e.Status))
	default:
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Sprintf("%d: %v", e.Status, m)
		}
		return fmt.Sprintf("%d: %s", e.Status, raw)
	}
}

// Text returns the message when it is a plain string, else the status text.
func (e NormalizedError) Text() string {
	if s, ok := e.Message.(string); ok && s != "" {
		return s
	}
	return http.StatusText(e.Status)
}

// ---------------------------------------------------------------------------
// ValidationError - structured, field-level failures.
// ---------------------------------------------------------------------------

// FieldViolation describes one invalid input field.
type FieldViolation struct {
	Path    []string `json:"path"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
}

// ValidationError collects field violations. It always classifies as 400.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, strings.Join(v.Path, ".")+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a violation for the field at path.
func (e *ValidationError) Add(code, message string, path ...string) {
	e.Violations = append(e.Violations, FieldViolation{Path: path, Code: code, Message: message})
}

// Err returns e when at least one violation was recorded, nil otherwise.
func (e *ValidationError) Err() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// ---------------------------------------------------------------------------
// HTTPError - application errors carrying an explicit status.
// ---------------------------------------------------------------------------

// HTTPError is an error a handler raised with a deliberate status. When
// Expose is set its Message is safe to show to clients verbatim.
type HTTPError struct {
	Status  int
	Message string
	Expose  bool
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		if e.Message == "" {
			return e.Err.Error()
		}
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// StatusCode returns the status the error was raised with.
func (e *HTTPError) StatusCode() int { return e.Status }

// New builds an HTTPError. Client errors (4xx) are exposed, everything
// else is hidden.
func New(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message, Expose: status >= 400 && status < 500}
}

// Expose builds an HTTPError whose message always reaches the client.
func Expose(status int, message string) *HTTPError {
	return &HTTPError{Status: status, Message: message, Expose: true}
}

// Hide wraps err with a status but keeps its text away from clients
// outside development.
func Hide(status int, err error) *HTTPError {
	return &HTTPError{Status: status, Err: err}
}

// Common exposed errors used by handlers and middleware.
var (
	ErrUnauthorized    = Expose(http.StatusUnauthorized, "unauthorized")
	ErrForbidden       = Expose(http.StatusForbidden, "forbidden")
	ErrNotFound        = Expose(http.StatusNotFound, "not found")
	ErrTooManyRequests = Expose(http.StatusTooManyRequests, "too many requests")
	ErrCaptcha         = Expose(http.StatusForbidden, "captcha verification failed")
	ErrInvalidJSON     = Expose(http.StatusBadRequest, "invalid JSON in request body")
)

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

type statusCoder interface {
	StatusCode() int
}

// Classify maps any error to the envelope, in order:
//
//  1. *ValidationError → 400 with the violation list as message.
//  2. exposed *HTTPError → its status and message.
//  3. anything else → its own status when it carries a valid one (else 413
//     for oversized bodies, 504 for deadlines, 500), with err.Error() as
//     the message only in development.
//
// Classify performs no I/O.
func Classify(err error, env core.Environment) NormalizedError {
	if err == nil {
		return NormalizedError{Status: http.StatusInternalServerError, Message: GenericMessage}
	}

	var verr *ValidationError
	if errors.As(err, &verr) {
		violations := verr.Violations
		if violations == nil {
			violations = []FieldViolation{}
		}
		return NormalizedError{Status: http.StatusBadRequest, Message: violations}
	}

	var herr *HTTPError
	if errors.As(err, &herr) && herr.Expose {
		status := validStatus(herr.Status)
		msg := herr.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return NormalizedError{Status: status, Message: msg}
	}

	status := statusOf(err)
	if env.IsDevelopment() {
		return NormalizedError{Status: status, Message: err.Error()}
	}
	return NormalizedError{Status: status, Message: GenericMessage}
}

func statusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		if s := sc.StatusCode(); s >= 100 && s <= 599 {
			return s
		}
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func validStatus(status int) int {
	if status < 100 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}

// ---------------------------------------------------------------------------
// Writer helpers
// ---------------------------------------------------------------------------

// Marshal encodes the envelope. Encoding never fails for the message types
// Classify produces; a foreign message that cannot be encoded is replaced.
func Marshal(ne NormalizedError) []byte {
	body, err := json.Marshal(ne)
	if err != nil {
		body, _ = json.Marshal(NormalizedError{Status: ne.Status, Message: http.StatusText(ne.Status)})
	}
	return body
}

// Write serialises the envelope to w with its status code.
// Content-Type is always set to application/json.
func Write(w http.ResponseWriter, ne NormalizedError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ne.Status)
	w.Write(Marshal(ne))
}

// Decode parses an envelope from a response body. When the body is not an
// envelope the status text for fallback is used as the message.
func Decode(body []byte, fallback int) NormalizedError {
	var ne NormalizedError
	if err := json.Unmarshal(body, &ne); err != nil || ne.Status < 100 || ne.Status > 599 {
		return NormalizedError{Status: validStatus(fallback), Message: http.StatusText(validStatus(fallback))}
	}
	if ne.Message == nil {
		ne.Message = http.StatusText(ne.Status)
	}
	return ne
}
