// Package api serves the settlement pipeline and its audit trail over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string              `json:"error"`
	Details map[string][]string `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes an {error} response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteBadRequest writes a 400 carrying per-field details.
func WriteBadRequest(w http.ResponseWriter, msg string, details map[string][]string) {
	WriteJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Details: details})
}

func WriteUnauthorized(w http.ResponseWriter) {
	WriteError(w, http.StatusUnauthorized, "Unauthorized")
}

func WriteNotFound(w http.ResponseWriter) {
	WriteError(w, http.StatusNotFound, "Not found")
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int, msg string) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, msg)
}

// WriteInternal writes a 500 with public as the message. err is logged but
// never sent to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, public string, err error) {
	logger.ErrorContext(r.Context(), "request failed",
		"path", r.URL.Path,
		"request_id", RequestID(r.Context()),
		"error", err)
	WriteError(w, http.StatusInternalServerError, public)
}
