package bridge

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/httplog/v3"
)

// Recovery recovers from panics in HTTP handlers and returns HTTP 500 to the client.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				// Logged by the Logging middleware.
				writeJSONError(r.Context(), w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging logs requests with method, path, status and duration. Headers and
// bodies carry tokens and are never logged.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false,
	})
}

// RejectCrossOrigin refuses browser requests from origins not listed in
// allowed. Requests without an Origin header (CLI, native UI) pass.
func RejectCrossOrigin(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && !slices.Contains(allowed, origin) {
				writeJSONError(r.Context(), w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// applyMiddlewares applies middlewares to a handler in the order they appear.
// The first middleware in the slice is the outermost (executes first).
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
