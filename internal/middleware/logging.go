package middleware

import (
	"net/http"
	"strconv"
	"time"

	"verdict/internal/metrics"

	"github.com/rs/zerolog"
)

// LoggingMiddleware writes one structured line per request and records the
// HTTP metrics. Each request carries a child logger in its context; handlers
// add fields to the line with zerolog.Ctx(r.Context()).UpdateContext, e.g. the
// decision for /api/check or the ingest outcome for /api/events.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			fields := logger.With().Str("method", r.Method).Str("path", r.URL.Path)
			if id := r.Header.Get("X-Request-ID"); id != "" {
				fields = fields.Str("request_id", id)
			}
			reqLogger := fields.Logger()
			r = r.WithContext(reqLogger.WithContext(r.Context()))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			zerolog.Ctx(r.Context()).WithLevel(levelFor(rec.status)).
				Int("status", rec.status).
				Int64("bytes", rec.bytes).
				Dur("duration", elapsed).
				Msg("http: request")

			route := metrics.NormalizePath(r.URL.Path)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		})
	}
}

func levelFor(status int) zerolog.Level {
	switch {
	case status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// statusRecorder captures the status code and body size of a response
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.status = code
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader {
		rec.WriteHeader(http.StatusOK)
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}
