package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/veritrail/core/pkg/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// TelemetryMiddleware wraps every request in a command span with RED
// metrics. Server-side failures count as command errors; client errors do
// not.
func TelemetryMiddleware(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, finish := obs.TrackCommand(r.Context(), r.Method+" "+r.URL.Path,
				attribute.String("http.method", r.Method),
			)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			var err error
			if rec.status >= http.StatusInternalServerError {
				err = fmt.Errorf("http %d on %s", rec.status, chi.RouteContext(r.Context()).RoutePattern())
			}
			finish(err)
		})
	}
}
