// Package handlers implements the worker-facing and control-plane HTTP
// endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/ordino/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteAppError maps an error to its boundary status code and writes it.
func WriteAppError(w http.ResponseWriter, err error) error {
	return WriteError(w, models.StatusOf(err), err.Error())
}

// DecodeJSON parses a request body into dst, reporting validation failures
// to the client.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// Username extracts the authenticated caller identity forwarded by the
// ingest layer.
func Username(r *http.Request) string {
	return r.Header.Get("X-Username")
}

// RequireUsername rejects requests missing the forwarded identity.
func RequireUsername(w http.ResponseWriter, r *http.Request) (string, bool) {
	username := Username(r)
	if username == "" {
		WriteError(w, http.StatusForbidden, "missing X-Username header")
		return "", false
	}
	return username, true
}
