package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/glmharness/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope and logs it with the
// job the request was serving. http.ErrAbortHandler is re-raised so the
// server can drop the connection as it expects.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			job, _ := jobAttrs(r.Context())
			attrs := append([]any{
				"error", rec,
				"request_id", GetRequestID(r),
				"method", r.Method,
				"path", r.URL.Path,
			}, job...)
			slog.Error("handler panicked", append(attrs, "stack", string(debug.Stack()))...)

			// A partial body cannot be replaced; the status line is already out.
			if sr, ok := w.(*statusRecorder); ok && sr.wroteHeader {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
