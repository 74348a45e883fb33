// Package apierr defines the error taxonomy shared by the HTTP handlers and
// renders errors as stable JSON codes.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"heatpump/server/authz"
	"heatpump/server/storage"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindGone
	KindTooLarge
	KindConfiguration
	KindStorage
)

// Status returns the HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return e.Code + ": " + e.Message
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for e.
func (e *Error) Status() int { return e.Kind.Status() }

// New returns an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap returns an Error of the given kind carrying err as its cause.
func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Validation returns a 400 error with code and a caller-facing message.
func Validation(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	unauthorized = New(KindAuthentication, "unauthorized", "")
	forbidden    = New(KindAuthorization, "forbidden", "")
	notFound     = New(KindNotFound, "not_found", "")
)

// IsCanceled reports whether err stems from the caller going away.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// From maps err onto the taxonomy. Unknown errors become 500 internal_error.
func From(err error) *Error {
	var apiErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, authz.ErrUnauthorized):
		return unauthorized
	case errors.Is(err, authz.ErrForbidden):
		return forbidden
	case errors.Is(err, authz.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return notFound
	}
	return Wrap(KindInternal, "internal_error", err)
}

// Write renders err. Canceled requests get no response at all.
func Write(w http.ResponseWriter, err error) {
	if err == nil || IsCanceled(err) {
		return
	}
	e := From(err)
	body := map[string]string{"error": e.Code}
	if e.Kind == KindValidation && e.Message != "" {
		body["message"] = e.Message
	}
	WriteJSON(w, e.Status(), body)
}

// WriteJSON writes payload as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
