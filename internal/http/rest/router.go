package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/dlmanager/internal/telemetry"
)

// NewRouter mounts the download API under /api next to the metrics and health
// endpoints. Every request is traced, logged and measured.
func NewRouter(h *DownloadsHandler, t *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(t.HTTPMetrics)

	r.Mount("/api", h.Routes())
	r.Handle("/metrics", t.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]any{
			"status":       "ok",
			"queue_length": h.queue.QueueLength(),
			"active":       h.queue.Active(),
		})
	})

	return otelhttp.NewHandler(r, "dlmanager",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
