package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/florianilch/keysync/internal/lifecycle"
	"github.com/florianilch/keysync/internal/profile"
	"github.com/florianilch/keysync/internal/provider"
	"github.com/florianilch/keysync/internal/redirect"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, redirect.ErrMalformedRedirect):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotAuthenticated),
		errors.Is(err, provider.ErrTokenRefreshFailed):
		// The user has to log in again.
		return http.StatusUnauthorized
	case errors.Is(err, lifecycle.ErrCSRFMismatch):
		return http.StatusForbidden
	case errors.Is(err, errUnknownProvider),
		errors.Is(err, lifecycle.ErrProviderNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, provider.ErrTokenExchangeFailed),
		errors.Is(err, profile.ErrProfileFetchFailed),
		errors.Is(err, profile.ErrProfileParseFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the status for err and its message.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "error", err)
	} else {
		slog.DebugContext(ctx, "request rejected", "status", status, "error", err)
	}
	writeJSONError(ctx, w, err.Error(), status)
}
