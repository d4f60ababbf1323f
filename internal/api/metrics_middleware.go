package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/alvesdmateus/dock/internal/observability"
)

// MetricsMiddleware records request count, duration and in-flight requests
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			metrics.IncHTTPRequestsInFlight()
			defer metrics.DecHTTPRequestsInFlight()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := normalizePath(r)

			metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(status))
			metrics.RecordHTTPRequestDuration(r.Method, path, time.Since(start).Seconds())
		})
	}
}

// normalizePath keeps the path label low-cardinality. The chi route pattern
// wins; otherwise ID-looking segments become {id}.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, segment := range segments {
		if isID(segment) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isID(segment string) bool {
	if segment == "" {
		return false
	}
	if _, err := strconv.ParseUint(segment, 10, 64); err == nil {
		return true
	}
	return len(segment) == 36 && uuid.Validate(segment) == nil
}
