package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cycomachead/canvas-lms/internal/logging"
)

// ErrorResponse is the JSON envelope for API errors. Business failures
// never surface here; a batch that failed to import is still a 200 with a
// terminal state in its document.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response and logs the technical detail
// server-side with the request id for correlation.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	logging.FromContext(r.Context()).Error("request error", attrs...)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
