// Package middleware provides reusable HTTP middleware for request IDs,
// Prometheus metrics, access logging and request timeouts.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kangjinkui/katokbot/pkg/logger"
	"github.com/kangjinkui/katokbot/pkg/metrics"
)

// Metrics records request count, latency and in-flight requests per route
// pattern and writes one access log line per request. Probe routes under
// /health are neither counted nor logged. A nil m keeps the access log only.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}
			if m != nil {
				m.HTTPRequestsInFlight.Inc()
				defer m.HTTPRequestsInFlight.Dec()
			}

			start := time.Now()
			rw := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)
			route := routeLabel(r)

			if m != nil {
				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
				m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}

			level := slog.LevelDebug
			switch {
			case rw.status >= 500:
				level = slog.LevelWarn
			case strings.HasPrefix(route, "POST /api/v1/admin"):
				level = slog.LevelInfo
			}
			logger.FromContext(r.Context()).Log(r.Context(), level, "request completed",
				"route", route,
				"status", rw.status,
				"bytes", rw.bytes,
				"duration_ms", elapsed.Milliseconds(),
			)
		})
	}
}

// recorder captures the status code and body size.
type recorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rw *recorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recorder) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// routeLabel uses the matched ServeMux pattern to keep label cardinality
// bounded.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}
