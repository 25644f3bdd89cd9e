package logging

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Middleware logs each request on completion and stores a request-scoped
// logger in the context for handlers.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqLogger := logger.WithFields(Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"remote":     r.RemoteAddr,
			})
			reqLogger.Debug("request started")

			next.ServeHTTP(ww, r.WithContext(WithContext(r.Context(), reqLogger)))

			latency := time.Since(start)
			fields := Fields{
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"latency_ms": float64(latency.Microseconds()) / 1000.0,
			}
			switch {
			case ww.Status() >= 500:
				reqLogger.Error("request failed", fields)
			case ww.Status() >= 400:
				reqLogger.Warn("request rejected", fields)
			default:
				reqLogger.Info("request completed", fields)
			}
		})
	}
}
