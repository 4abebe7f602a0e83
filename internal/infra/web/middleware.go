package web

import (
	"net/http"
	"time"

	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/infra/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const traceHeader = "X-Request-Id"

// TraceID runs after middleware.RequestID: it echoes the request id and
// puts it on the logging context. Oversized client ids are replaced.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := middleware.GetReqID(r.Context())
		if tid == "" || len(tid) > 64 {
			tid = uuid.NewString()
		}
		w.Header().Set(traceHeader, tid)
		next.ServeHTTP(w, r.WithContext(logging.WithTraceID(r.Context(), tid)))
	})
}

func RequestLog(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logging.With(r.Context(), logger).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", statusOf(ww)).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http_request")
		})
	}
}

// Metrics records per-route counters under the chi route pattern so ids
// in paths never become label values.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.ObserveHTTP(route, r.Method, statusOf(ww), time.Since(start))
	})
}

// statusOf treats a handler that never called WriteHeader as 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// Recover is middleware.Recoverer with a JSON body in the API's error shape.
func Recover(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logging.With(r.Context(), logger).Error().Interface("panic", rec).Msg("panic recovered")
					writeJSON(w, http.StatusInternalServerError, errorBody{Error: msgInternal})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
