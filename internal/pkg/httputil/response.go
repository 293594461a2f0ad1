// Package httputil holds the JSON response helpers shared by HTTP handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// ErrorResponse is the error envelope for every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes data with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("json encode failed", "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error envelope. code is a stable machine-readable reason
// and may be empty.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorResponse{Error: message, Code: code})
}

// InternalError logs err and writes a generic 500 so internals never leak.
func InternalError(w http.ResponseWriter, err error, fields ...interface{}) {
	logger.Error("internal error", append(fields, "error", err)...)
	Error(w, http.StatusInternalServerError, "internal", "internal server error")
}
