// Package api implements the REST façade: JSON endpoints under /rest, the
// cookie-token auth middleware, and static front-end serving.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// errorBody is the error response format: the status repeated in the body and
// a human-readable reason string.
type errorBody struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// WriteReason writes the JSON error response.
func WriteReason(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Status: status, Reason: reason})
}

// WriteBadRequest writes a 400 with the user-visible reason.
func WriteBadRequest(w http.ResponseWriter, reason string) {
	WriteReason(w, http.StatusBadRequest, reason)
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter) {
	WriteReason(w, http.StatusForbidden, "missing or invalid token")
}

// WriteTooManyRequests writes a 429.
func WriteTooManyRequests(w http.ResponseWriter) {
	WriteReason(w, http.StatusTooManyRequests, "too many requests")
}

// WriteInternal logs the error and writes a generic 500. The error itself is
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, log *logrus.Entry, err error) {
	log.WithError(err).Error("internal server error")
	WriteReason(w, http.StatusInternalServerError, "internal server error")
}

// WriteJSON writes a 200 response with the JSON-encoded value.
func WriteJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(value)
}
