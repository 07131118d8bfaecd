package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError is http.Error with a JSON body.
func writeJSONError(ctx context.Context, w http.ResponseWriter, message string, status int) {
	writeJSON(ctx, w, ErrorResponse{Error: message}, status)
}
