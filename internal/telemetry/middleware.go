package telemetry

import (
	"net/http"
	"time"
)

// HTTPMetrics records RED metrics for every request. The route pattern is
// used as the path label so that ids in URLs do not explode cardinality.
func (t *Telemetry) HTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t == nil {
			next.ServeHTTP(w, r)

			return
		}

		ctx := r.Context()
		start := time.Now()

		t.IncrementHTTPInFlight(ctx)
		defer t.DecrementHTTPInFlight(ctx)

		wrapped := wrapResponseWriter(w)
		next.ServeHTTP(wrapped, r)

		t.RecordHTTPRequest(ctx, r.Method, routePattern(r), statusClass(wrapped.status), time.Since(start))
	})
}

func statusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
