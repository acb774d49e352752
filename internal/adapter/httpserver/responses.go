// Package httpserver contains the HTTP handlers and middleware for the
// ingress surface. It enforces the response envelope and the request-ID
// requirement and keeps transport concerns out of the core packages.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
	"github.com/fairyhunter13/prompt-dispatcher/internal/observability"
)

type meta struct {
	RequestID        string `json:"requestId"`
	ProcessingTimeMS int64  `json:"processingTimeMs,omitempty"`
}

type dataEnvelope struct {
	Data any  `json:"data"`
	Meta meta `json:"meta"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
	Meta  meta     `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, v any) {
	writeJSON(w, status, dataEnvelope{
		Data: v,
		Meta: meta{RequestID: requestIDFrom(r), ProcessingTimeMS: elapsedMS(r)},
	})
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{
		Error: apiError{Code: code, Message: message, Details: details},
		Meta:  meta{RequestID: requestIDFrom(r)},
	})
}

// writeError maps a domain error onto the envelope. Upstream exhaustion is a
// gateway-class failure; everything unrecognized is INTERNAL_ERROR.
func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "BAD_REQUEST"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
	case errors.Is(err, domain.ErrExhausted), errors.Is(err, domain.ErrUpstream):
		status = http.StatusBadGateway
		code = "UPSTREAM_ERROR"
	}
	writeAPIError(w, r, status, code, err.Error(), details)
}

func requestIDFrom(r *http.Request) string {
	if id := observability.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-Id")
}
