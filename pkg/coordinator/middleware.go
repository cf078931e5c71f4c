package coordinator

import (
	"net/http"
	"time"

	"github.com/cuemby/fleetcore/pkg/metrics"
	"github.com/rs/zerolog"
)

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter does not expose it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request at Info level with route, status
// and latency, and records the same triple to Prometheus, mirroring the
// teacher's per-request interceptor but for HTTP instead of gRPC.
func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := r.URL.Path
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", elapsed).
				Msg("request handled")

			metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		})
	}
}
