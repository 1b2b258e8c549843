package deluge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/dlmanager/internal/download"
)

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeDeluge is a minimal Deluge Web server. Handlers map RPC methods to results.
type fakeDeluge struct {
	mu             sync.Mutex
	calls          []string
	handlers       map[string]func(params []json.RawMessage) (any, *RPCError)
	files          map[string]string
	requireSession bool
}

func (f *fakeDeluge) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

func (f *fakeDeluge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		body, ok := f.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}

		fmt.Fprint(w, body)

		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, req.Method)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if req.Method == "auth.login" {
		http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: "s3cr3t"})
		_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": true, "error": nil})

		return
	}

	if f.requireSession {
		if c, err := r.Cookie("_session_id"); err != nil || c.Value != "s3cr3t" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": req.ID, "result": nil,
				"error": map[string]any{"message": "Not authenticated", "code": 1},
			})

			return
		}
	}

	handler, ok := f.handlers[req.Method]
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": req.ID, "result": nil,
			"error": map[string]any{"message": "Unknown method", "code": 2},
		})

		return
	}

	result, rpcErr := handler(req.Params)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
}

func newTestEngine(t *testing.T, f *fakeDeluge) *Engine {
	t.Helper()

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	return New(Options{
		BaseURL:      srv.URL,
		APIPath:      "/json",
		Password:     "deluge",
		PollInterval: 10 * time.Millisecond,
	})
}

func TestAuthenticate_Error(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error": "unauthorized"}`},
		{"bad request", http.StatusBadRequest, `{"error": "bad request"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			err := New(Options{BaseURL: ts.URL, Password: "x"}).Authenticate(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "auth failed")
		})
	}
}

func TestCall_RenewsExpiredSession(t *testing.T) {
	f := &fakeDeluge{
		requireSession: true,
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.pause_torrent": func([]json.RawMessage) (any, *RPCError) { return nil, nil },
		},
	}

	e := newTestEngine(t, f)

	require.NoError(t, e.client.Call(context.Background(), "core.pause_torrent", []any{[]string{"abc"}}, nil))
	assert.Equal(t, []string{"core.pause_torrent", "auth.login", "core.pause_torrent"}, f.Calls())
}

func TestCall_ReturnsRPCError(t *testing.T) {
	e := newTestEngine(t, &fakeDeluge{})

	err := e.client.Call(context.Background(), "core.nope", nil, nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 2, rpcErr.Code)
	assert.Equal(t, "core.nope", rpcErr.Method)
}

func TestStartDownload_Magnet(t *testing.T) {
	var polls int

	f := &fakeDeluge{
		files: map[string]string{"/downloads/file1.mkv": "hello"},
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.add_torrent_magnet": func(params []json.RawMessage) (any, *RPCError) {
				var uri string
				_ = json.Unmarshal(params[0], &uri)

				if uri == "" {
					return nil, &RPCError{Code: 3, Message: "missing uri"}
				}

				return "abc123", nil
			},
			"core.get_torrent_status": func([]json.RawMessage) (any, *RPCError) {
				polls++

				progress := 50.0
				if polls > 1 {
					progress = 100.0
				}

				return map[string]any{
					"name":       "file1",
					"state":      "Downloading",
					"progress":   progress,
					"total_size": 5,
					"total_done": int(progress / 20),
					"save_path":  "/downloads",
					"files":      []any{map[string]any{"path": "file1.mkv", "size": 5}},
				}, nil
			},
		},
	}

	e := newTestEngine(t, f)

	dest := filepath.Join(t.TempDir(), "file1.mkv")
	d := download.New("magnet:?xt=urn:btih:abc123", dest, download.PriorityDefault)

	require.NoError(t, e.StartDownload(context.Background(), d))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, "core.add_torrent_magnet", f.Calls()[0])
}

func TestStartDownload_CompletedDirMultiFile(t *testing.T) {
	completed := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(completed, "show"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(completed, "show", "e1.mkv"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(completed, "show", "e2.mkv"), []byte("two"), 0o644))

	f := &fakeDeluge{
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.add_torrent_url": func([]json.RawMessage) (any, *RPCError) { return "def456", nil },
			"core.get_torrent_status": func([]json.RawMessage) (any, *RPCError) {
				return map[string]any{
					"progress": 100.0,
					"files": []any{
						map[string]any{"path": "show/e1.mkv", "size": 3},
						map[string]any{"path": "show/e2.mkv", "size": 3},
					},
				}, nil
			},
		},
	}

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	e := New(Options{BaseURL: srv.URL, APIPath: "/json", CompletedDir: completed, PollInterval: time.Millisecond})

	dest := filepath.Join(t.TempDir(), "show-dl")
	d := download.New("https://tracker.example.com/show.torrent", dest, download.PriorityDefault)

	require.NoError(t, e.StartDownload(context.Background(), d))

	got, err := os.ReadFile(filepath.Join(dest, "show", "e2.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	assert.Equal(t, "core.add_torrent_url", f.Calls()[0])
}

func TestStartDownload_TorrentError(t *testing.T) {
	f := &fakeDeluge{
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.add_torrent_magnet": func([]json.RawMessage) (any, *RPCError) { return "abc", nil },
			"core.get_torrent_status": func([]json.RawMessage) (any, *RPCError) {
				return map[string]any{"state": "Error", "progress": 10.0, "message": "tracker down"}, nil
			},
		},
	}

	d := download.New("magnet:?xt=urn:btih:abc", filepath.Join(t.TempDir(), "x"), download.PriorityDefault)

	err := newTestEngine(t, f).StartDownload(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracker down")
}

func TestPauseResumeCancel(t *testing.T) {
	f := &fakeDeluge{
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.pause_torrent":  func([]json.RawMessage) (any, *RPCError) { return nil, nil },
			"core.resume_torrent": func([]json.RawMessage) (any, *RPCError) { return nil, nil },
			"core.remove_torrent": func([]json.RawMessage) (any, *RPCError) { return true, nil },
		},
	}

	e := newTestEngine(t, f)
	d := download.New("magnet:?xt=urn:btih:abc", "/tmp/x", download.PriorityDefault)

	assert.ErrorIs(t, e.Pause(context.Background(), d), download.ErrNotFound)
	assert.NoError(t, e.Resume(context.Background(), d))
	assert.Empty(t, f.Calls())

	canceled := false
	e.torrents[d.ID] = &torrent{hash: "abc", cancel: func() { canceled = true }}

	require.NoError(t, e.Pause(context.Background(), d))
	require.NoError(t, e.Resume(context.Background(), d))
	require.NoError(t, e.Cancel(context.Background(), d))

	assert.True(t, canceled)
	assert.Equal(t, []string{"core.pause_torrent", "core.resume_torrent", "core.remove_torrent"}, f.Calls())
	assert.True(t, e.Capabilities().CanPartiallyResume(d))
}

func TestRelease_RemovesFailedTorrent(t *testing.T) {
	var removed []json.RawMessage

	f := &fakeDeluge{
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.add_torrent_magnet": func([]json.RawMessage) (any, *RPCError) { return "abc", nil },
			"core.get_torrent_status": func([]json.RawMessage) (any, *RPCError) {
				return map[string]any{"state": "Error", "progress": 10.0, "message": "tracker down"}, nil
			},
			"core.remove_torrent": func(params []json.RawMessage) (any, *RPCError) {
				removed = params
				return true, nil
			},
		},
	}

	e := newTestEngine(t, f)
	d := download.New("magnet:?xt=urn:btih:abc", filepath.Join(t.TempDir(), "x"), download.PriorityDefault)

	require.Error(t, e.StartDownload(context.Background(), d))

	_, tracked := e.lookup(d.ID)
	require.True(t, tracked)

	require.NoError(t, e.Release(context.Background(), d))

	_, tracked = e.lookup(d.ID)
	assert.False(t, tracked)
	require.Len(t, removed, 2)
	assert.JSONEq(t, `"abc"`, string(removed[0]))
	assert.JSONEq(t, `true`, string(removed[1]))

	require.NoError(t, e.Release(context.Background(), d))
	assert.Equal(t, []string{"core.add_torrent_magnet", "core.get_torrent_status", "core.remove_torrent"}, f.Calls())
}

func TestStartDownload_ResumesKeptTorrent(t *testing.T) {
	f := &fakeDeluge{
		files: map[string]string{"/downloads/file1.mkv": "hello"},
		handlers: map[string]func([]json.RawMessage) (any, *RPCError){
			"core.resume_torrent": func([]json.RawMessage) (any, *RPCError) { return nil, nil },
			"core.get_torrent_status": func([]json.RawMessage) (any, *RPCError) {
				return map[string]any{
					"progress":  100.0,
					"save_path": "/downloads",
					"files":     []any{map[string]any{"path": "file1.mkv", "size": 5}},
				}, nil
			},
		},
	}

	e := newTestEngine(t, f)

	dest := filepath.Join(t.TempDir(), "file1.mkv")
	d := download.New("magnet:?xt=urn:btih:abc", dest, download.PriorityDefault)
	e.torrents[d.ID] = &torrent{hash: "abc", cancel: func() {}}

	require.NoError(t, e.StartDownload(context.Background(), d))

	assert.Equal(t, []string{"core.resume_torrent", "core.get_torrent_status"}, f.Calls())

	_, tracked := e.lookup(d.ID)
	assert.False(t, tracked)
}
