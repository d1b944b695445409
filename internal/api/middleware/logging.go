package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const jobFieldsKey contextKey = "job_fields"

// jobFields collects the job attributes handlers attach to a request so the
// access log line names the job it served.
type jobFields struct {
	mu      sync.Mutex
	attrs   []any
	notable bool
}

// AnnotateJob attaches job attributes (kind, handle, state) to the request's
// log line. Outside Logger it does nothing.
func AnnotateJob(r *http.Request, args ...any) {
	if f, ok := r.Context().Value(jobFieldsKey).(*jobFields); ok {
		f.mu.Lock()
		f.attrs = append(f.attrs, args...)
		f.mu.Unlock()
	}
}

// MarkNotable keeps a request's log line at info even when it would
// otherwise be routine poll traffic, e.g. a poll that saw a terminal state.
func MarkNotable(r *http.Request) {
	if f, ok := r.Context().Value(jobFieldsKey).(*jobFields); ok {
		f.mu.Lock()
		f.notable = true
		f.mu.Unlock()
	}
}

func jobAttrs(ctx context.Context) ([]any, bool) {
	f, ok := ctx.Value(jobFieldsKey).(*jobFields)
	if !ok {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.attrs...), f.notable
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Logger writes one access line per request. Successful GETs are routine
// poll traffic and go to debug unless a handler marked them notable.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(context.WithValue(r.Context(), jobFieldsKey, &jobFields{}))

		next.ServeHTTP(rec, r)

		job, notable := jobAttrs(r.Context())
		level := slog.LevelInfo
		if r.Method == http.MethodGet && rec.status == http.StatusOK && !notable {
			level = slog.LevelDebug
		}
		attrs := append([]any{
			"request_id", GetRequestID(r),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}, job...)
		slog.Log(r.Context(), level, "request", attrs...)
	})
}
