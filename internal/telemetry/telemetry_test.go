package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/dlmanager/internal/logctx"
)

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordDownload(ctx, "http", "success", 0)
		tel.RecordRetry(ctx, "http")
		tel.RecordQueueDepth(ctx, 3)
		tel.RecordEngineSelection(ctx, "http", "ranked")
		tel.RecordEngineSwitch(ctx, "deluge", "http", "success")
		tel.RecordSegment(ctx, "http", "success")
		tel.RecordQueueEvent(ctx, "enqueued")
		tel.RecordSystemError(ctx, "scheduler", "persist")
		tel.IncrementActiveDownloads(ctx)
		tel.DecrementActiveDownloads(ctx)
	})

	called := false
	err := tel.InstrumentEngineOperation(ctx, "http", "start", func(context.Context) error {
		called = true

		return errors.New("boom")
	})

	assert.True(t, called)
	assert.EqualError(t, err, "boom")
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	err = tel.InstrumentDownload(context.Background(), "http", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{
		http.StatusOK:                  "2xx",
		http.StatusAccepted:            "2xx",
		http.StatusFound:               "3xx",
		http.StatusNotFound:            "4xx",
		http.StatusConflict:            "4xx",
		http.StatusInternalServerError: "5xx",
		100:                            "unknown",
	}

	for code, want := range tests {
		assert.Equal(t, want, statusClass(code), code)
	}
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name     string
		upstream string
		reused   bool
	}{
		{"generated when absent", "", false},
		{"proxy id reused", "edge-7f3a.2024:01", true},
		{"uuid reused", "0b8f6c52-4a5e-4f5b-9d37-8c2f0a4e1b6d", true},
		{"log line injection replaced", "abc\nlevel=ERROR msg=forged", false},
		{"spaces replaced", "two words", false},
		{"oversized replaced", strings.Repeat("a", 129), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/downloads", nil)
			if tt.upstream != "" {
				req.Header.Set(RequestIDHeader, tt.upstream)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

			if tt.reused {
				assert.Equal(t, tt.upstream, seen)
			} else {
				assert.NotEqual(t, tt.upstream, seen)
				assert.NoError(t, uuid.Validate(seen))
			}
		})
	}

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestRequestID_TagsContextLogger(t *testing.T) {
	var buf bytes.Buffer

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "enqueue")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/downloads", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	req = req.WithContext(logctx.WithLogger(req.Context(), slog.New(slog.NewJSONHandler(&buf, nil))))

	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
}

func TestHTTPLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  string
	}{
		{"/api/downloads", http.StatusOK, "INFO"},
		{"/api/downloads", http.StatusNotFound, "WARN"},
		{"/api/downloads", http.StatusBadGateway, "ERROR"},
		{"/healthz", http.StatusOK, "DEBUG"},
		{"/metrics", http.StatusOK, "DEBUG"},
		{"/healthz", http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.path+" "+http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer

			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			h := HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("{}"))
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, float64(tt.status), entry["status"])
			assert.Equal(t, tt.path, entry["path"])
			assert.Equal(t, tt.path, entry["route"], "unrouted requests fall back to the path")
			assert.Equal(t, float64(2), entry["bytes"])
			assert.NotContains(t, entry, "download_id")
		})
	}
}

func TestHTTPLogging_RouteAndDownloadID(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(HTTPLogging)
	r.Post("/api/downloads/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/downloads/d-42/cancel", nil)
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "/api/downloads/{id}/cancel", entry["route"])
	assert.Equal(t, "/api/downloads/d-42/cancel", entry["path"])
	assert.Equal(t, "d-42", entry["download_id"])
	assert.Equal(t, float64(0), entry["bytes"])
}
