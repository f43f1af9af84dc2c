// Package json writes the JSON bodies of API and admin responses.
package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/idfront/internal/log"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorCodes maps the statuses the service emits to their "error" field
var errorCodes = map[int]string{
	http.StatusBadRequest:          "bad_request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusForbidden:           "forbidden",
	http.StatusNotFound:            "not_found",
	http.StatusMethodNotAllowed:    "method_not_allowed",
	http.StatusInternalServerError: "internal_server_error",
	http.StatusBadGateway:          "bad_gateway",
	http.StatusServiceUnavailable:  "service_unavailable",
}

// ErrorCode returns the error code for status, "error" when unmapped
func ErrorCode(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	return "error"
}

// WriteResponse encodes data with the given status. Responses are never
// cached since they may describe the current user.
func WriteResponse(w http.ResponseWriter, status int, data any) error {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogErrorWithFields("http", "Failed to encode JSON response", map[string]any{
			"status": status,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// WriteError writes an error body with an explicit code
func WriteError(w http.ResponseWriter, status int, code, message string) {
	// Headers are already out once encoding fails, so there is no fallback
	_ = WriteResponse(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteStatus writes an error body whose code derives from status
func WriteStatus(w http.ResponseWriter, status int, message string) {
	WriteError(w, status, ErrorCode(status), message)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusNotFound, message)
}

func WriteInternalServerError(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusInternalServerError, message)
}

// WriteServiceUnavailable reports a backing store outage
func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteStatus(w, http.StatusServiceUnavailable, message)
}
