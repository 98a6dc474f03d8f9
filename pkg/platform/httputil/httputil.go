// Package httputil writes JSON responses and maps errors onto status codes.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"userpipe/pkg/platform/sentinel"
)

// Error is an HTTP-facing error with an explicit status and code.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Description
}

// BadRequest returns a 400 error carrying description.
func BadRequest(description string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "bad_request", Description: description}
}

// Unauthorized returns a 401 error carrying description.
func Unauthorized(description string) *Error {
	return &Error{Status: http.StatusUnauthorized, Code: "unauthorized", Description: description}
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates err into a JSON error body. Internal errors never
// leak their description.
func WriteError(w http.ResponseWriter, err error) {
	status, code, description := classify(err)
	body := map[string]string{"error": code}
	if status != http.StatusInternalServerError && description != "" {
		body["error_description"] = description
	}
	WriteJSON(w, status, body)
}

func classify(err error) (int, string, string) {
	var httpErr *Error
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Status, httpErr.Code, httpErr.Description
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, sentinel.ErrLocked), errors.Is(err, sentinel.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}
