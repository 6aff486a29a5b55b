package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"hcilab.org/persona-chat/internal/logger"
	"hcilab.org/persona-chat/internal/tables"
)

// RequestLogger writes one access-log line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []interface{}{
				"method", strings.ToUpper(r.Method),
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if id := middleware.GetReqID(r.Context()); id != "" {
				fields = append(fields, "request_id", id)
			}

			switch {
			case status >= 500:
				log.Error("HTTP request", fields...)
			case status >= 400:
				log.Warn("HTTP request", fields...)
			default:
				log.Info("HTTP request", fields...)
			}
		})
	}
}

// WaitForTables holds requests until the configuration tables are loaded, and
// refuses them if loading failed.
func WaitForTables(t *tables.Store, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := t.Wait(r.Context()); err != nil {
				log.Error("Configuration tables unavailable", "error", err)
				writeError(w, http.StatusServiceUnavailable, "Service unavailable")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
