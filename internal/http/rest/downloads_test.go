package rest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/engine/enginetest"
	"github.com/italolelis/dlmanager/internal/scheduler"
	"github.com/italolelis/dlmanager/internal/segment"
)

type testAPI struct {
	server    *httptest.Server
	queue     *scheduler.Scheduler
	targetDir string
}

func newTestAPI(t *testing.T, username, password string, engines ...engine.Engine) *testAPI {
	t.Helper()

	if len(engines) == 0 {
		engines = []engine.Engine{&enginetest.Fake{EngineName: "a"}}
	}

	selector := engine.NewSelector(engines)
	queue := scheduler.New(selector, nil, nil)
	coordinator := segment.New(selector, segment.WithTempDir(t.TempDir()), segment.WithMinSize(1))
	targetDir := t.TempDir()

	h := NewDownloadsHandler(queue, coordinator, selector, targetDir, username, password)

	srv := httptest.NewServer(NewRouter(h, nil))
	t.Cleanup(srv.Close)

	return &testAPI{server: srv, queue: queue, targetDir: targetDir}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, a.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)

	return resp, out
}

func (a *testAPI) create(t *testing.T, body map[string]any) string {
	t.Helper()

	resp, out := a.do(t, http.MethodPost, "/api/downloads", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, out)

	return out["id"].(string)
}

func TestCreateDownload(t *testing.T) {
	api := newTestAPI(t, "", "")

	resp, out := api.do(t, http.MethodPost, "/api/downloads", map[string]any{
		"url":      "https://example.com/files/ubuntu.iso",
		"priority": "high",
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "queued", out["status"])
	assert.Equal(t, "high", out["priority"])
	assert.Equal(t, "a", out["engine"])
	assert.Equal(t, filepath.Join(api.targetDir, "ubuntu.iso"), out["destination"])
	assert.NotEmpty(t, out["queued_at"])

	assert.Equal(t, 1, api.queue.QueueLength())
}

func TestCreateDownload_Errors(t *testing.T) {
	api := newTestAPI(t, "", "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing url", map[string]any{"destination": "x"}, http.StatusBadRequest},
		{"unknown priority", map[string]any{"url": "https://example.com/a", "priority": "urgent"}, http.StatusBadRequest},
		{"escaping destination", map[string]any{"url": "https://example.com/a", "destination": "../../etc/passwd"}, http.StatusBadRequest},
		{"absolute destination outside target", map[string]any{"url": "https://example.com/a", "destination": "/etc/x"}, http.StatusBadRequest},
		{"absolute destination climbing out", map[string]any{"url": "https://example.com/a", "destination": api.targetDir + "/../../x"}, http.StatusBadRequest},
		{"target dir itself", map[string]any{"url": "https://example.com/a", "destination": api.targetDir}, http.StatusBadRequest},
		{"invalid metainfo", map[string]any{"metainfo": "%%%"}, http.StatusBadRequest},
		{"no compatible engine", map[string]any{"url": "ftp://example.com/a"}, http.StatusUnprocessableEntity},
		{"not a url", map[string]any{"url": "example.com/a"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := api.do(t, http.MethodPost, "/api/downloads", tt.body)

			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, out["error"])
		})
	}

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/api/downloads", bytes.NewBufferString("{"))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, api.queue.QueueLength())
}

func TestCreateDownload_Metainfo(t *testing.T) {
	api := newTestAPI(t, "", "", &enginetest.Fake{EngineName: "torrent", Schemes: []string{"magnet"}})

	metainfo := base64.StdEncoding.EncodeToString([]byte("d8:announce3:url4:infod4:name4:testee"))

	resp, out := api.do(t, http.MethodPost, "/api/downloads", map[string]any{"metainfo": metainfo})

	require.Equal(t, http.StatusCreated, resp.StatusCode, out)
	assert.Contains(t, out["url"], "magnet:?xt=urn:btih:")
	assert.Equal(t, "torrent", out["engine"])
	assert.Equal(t, filepath.Join(api.targetDir, "test"), out["destination"])
}

func TestGetDownload(t *testing.T) {
	api := newTestAPI(t, "", "")
	id := api.create(t, map[string]any{"url": "https://example.com/a.bin", "destination": "sub/a.bin"})

	resp, out := api.do(t, http.MethodGet, "/api/downloads/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, out["id"])
	assert.Equal(t, filepath.Join(api.targetDir, "sub", "a.bin"), out["destination"])

	resp, out = api.do(t, http.MethodGet, "/api/downloads/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, out["error"], "not found")
	assert.Equal(t, resp.Header.Get("X-Request-ID"), out["request_id"])
}

func TestListDownloads(t *testing.T) {
	api := newTestAPI(t, "", "")

	low := api.create(t, map[string]any{"url": "https://example.com/low", "priority": "low"})
	high := api.create(t, map[string]any{"url": "https://example.com/high", "priority": "high"})

	resp, out := api.do(t, http.MethodGet, "/api/downloads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := out["downloads"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, high, list[0].(map[string]any)["id"])
	assert.Equal(t, low, list[1].(map[string]any)["id"])
	assert.EqualValues(t, 2, out["queue_length"])
}

func TestPrioritizeAndCancel(t *testing.T) {
	api := newTestAPI(t, "", "")
	id := api.create(t, map[string]any{"url": "https://example.com/a", "priority": "low"})

	resp, out := api.do(t, http.MethodPost, "/api/downloads/"+id+"/prioritize", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "high", out["priority"])

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending downloads cannot be paused")

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/"+id+"/switch", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, out = api.do(t, http.MethodPost, "/api/downloads/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "canceled", out["status"])

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/missing/prioritize", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgress(t *testing.T) {
	api := newTestAPI(t, "", "")
	id := api.create(t, map[string]any{"url": "https://example.com/a"})

	resp, out := api.do(t, http.MethodGet, "/api/downloads/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, out["downloaded"])
	assert.EqualValues(t, 0, out["fraction"])
}

func TestSegmentedDownload(t *testing.T) {
	fake := &enginetest.Fake{EngineName: "seg", Segments: true, Size: 64}
	api := newTestAPI(t, "", "", fake)

	id := api.create(t, map[string]any{"url": "https://example.com/big.bin", "segmented": true})

	require.Eventually(t, func() bool {
		_, out := api.do(t, http.MethodGet, "/api/downloads/"+id, nil)

		return out["status"] == download.StatusCompleted.String()
	}, 5*time.Second, 10*time.Millisecond)

	_, out := api.do(t, http.MethodGet, "/api/downloads/"+id, nil)
	assert.Len(t, out["segments"], 4)

	resp, out := api.do(t, http.MethodGet, "/api/downloads/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 64, out["downloaded"])
	assert.EqualValues(t, 1, out["fraction"])

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/"+id+"/prioritize", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/api/downloads/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only failed segmented downloads resume")

	_, out = api.do(t, http.MethodGet, "/api/downloads", nil)
	assert.Len(t, out["downloads"], 1)
}

func TestEngines(t *testing.T) {
	api := newTestAPI(t, "", "",
		&enginetest.Fake{EngineName: "a"},
		&enginetest.Fake{EngineName: "b", Segments: true},
	)

	resp, out := api.do(t, http.MethodGet, "/api/engines", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	engines := out["engines"].([]any)
	require.Len(t, engines, 2)
	assert.Equal(t, "a", engines[0].(map[string]any)["name"])
	assert.Equal(t, false, engines[0].(map[string]any)["segments"])
	assert.Equal(t, true, engines[1].(map[string]any)["segments"])
}

func TestBasicAuth(t *testing.T) {
	api := newTestAPI(t, "admin", "secret")

	tests := []struct {
		name     string
		username string
		password string
		want     int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "admin", "nope", http.StatusUnauthorized},
		{"valid", "admin", "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/downloads", nil)
			require.NoError(t, err)

			if tt.username != "" {
				req.SetBasicAuth(tt.username, tt.password)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, "admin", "secret")

	resp, out := api.do(t, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, resp.StatusCode, "health is not behind auth")
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", download.ErrNotFound, http.StatusNotFound},
		{"enqueue", &download.EnqueueError{URL: "x"}, http.StatusUnprocessableEntity},
		{"invalid state", &download.InvalidStateError{}, http.StatusConflict},
		{"switch denied", &download.EngineSwitchDeniedError{}, http.StatusConflict},
		{"incomplete", &download.IncompleteSegmentsError{}, http.StatusConflict},
		{"unsupported", download.ErrUnsupported, http.StatusNotImplemented},
		{"invalid content", &InvalidContentError{Reason: "x"}, http.StatusBadRequest},
		{"unknown", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusCode(tt.err))
		})
	}
}

func TestDestination(t *testing.T) {
	h := &DownloadsHandler{targetDir: "/srv/downloads"}

	tests := []struct {
		name      string
		requested string
		want      string
		wantErr   bool
	}{
		{"relative", "movies/a.mkv", "/srv/downloads/movies/a.mkv", false},
		{"absolute inside", "/srv/downloads/tv/b.mkv", "/srv/downloads/tv/b.mkv", false},
		{"derived from url", "", "/srv/downloads/a.iso", false},
		{"absolute outside", "/etc/cron.d/evil", "", true},
		{"absolute climbing out", "/srv/downloads/../../root/.ssh/authorized_keys", "", true},
		{"sibling with shared prefix", "/srv/downloads-other/x", "", true},
		{"relative climbing out", "../x", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, err := h.destination("https://example.com/files/a.iso", tt.requested)

			if tt.wantErr {
				var bad *badRequestError
				require.ErrorAs(t, err, &bad)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, dest)
		})
	}
}

func TestNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/files/a.iso", "a.iso"},
		{"https://example.com/", "example.com"},
		{"magnet:?xt=urn:btih:abc&dn=My+Show", "My Show"},
		{"magnet:?xt=urn:btih:abc&dn=../../etc", "etc"},
		{"magnet:?xt=urn:btih:abc", "download"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, nameFromURL(tt.url))
		})
	}
}
