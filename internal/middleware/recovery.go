package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tradewind/inference-gateway/internal/apierror"
)

// Recovery returns middleware that converts handler panics into the
// gateway's JSON error envelope. Inference payloads pass through several
// decode and failover layers; a panic anywhere in them must still leave
// the agent caller with a parseable 500 instead of a dropped connection.
// The panic value never reaches the response body — payloads and key
// material can appear in panic messages.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("panic while serving request",
						"panic", v,
						"method", r.Method,
						"path", r.URL.Path,
						"client_ip", r.RemoteAddr,
						"request_id", GetRequestID(r.Context()),
						"stack", string(debug.Stack()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
