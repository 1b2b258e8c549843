package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/dlmanager/internal/download"
)

func newTestEngine(serverURL string) *Engine {
	goputioClient := putio.NewClient(nil)
	u, _ := url.Parse(serverURL)
	goputioClient.BaseURL = u

	return newEngine(goputioClient, Options{PollInterval: 10 * time.Millisecond})
}

func TestCanHandleProtocol(t *testing.T) {
	e := newTestEngine("http://localhost")

	tests := []struct {
		url  string
		want bool
	}{
		{"magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056", true},
		{"https://example.com/ubuntu.torrent", true},
		{"https://example.com/ubuntu.TORRENT", true},
		{"https://example.com/ubuntu.iso", false},
		{"ftp://example.com/a.torrent", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, e.CanHandleProtocol(tt.url))
		})
	}

	d := download.New("magnet:?xt=1", "/tmp/x", download.PriorityDefault)
	assert.False(t, e.Capabilities().CanPartiallyResume(d))
	assert.True(t, e.Capabilities().SupportsProtocol("magnet"))
}

func TestUnsupportedOperations(t *testing.T) {
	e := newTestEngine("http://localhost")
	d := download.New("magnet:?xt=1", "/tmp/x", download.PriorityDefault)

	assert.ErrorIs(t, e.Pause(context.Background(), d), download.ErrUnsupported)
	assert.ErrorIs(t, e.DownloadSegment(context.Background(), d, &download.Segment{}), download.ErrUnsupported)

	_, err := e.TestPerformance(context.Background(), d.URL)
	assert.ErrorIs(t, err, download.ErrUnsupported)

	_, err = e.Progress(context.Background(), d)
	assert.ErrorIs(t, err, download.ErrNotFound)

	assert.NoError(t, e.Resume(context.Background(), d))
	assert.NoError(t, e.Cancel(context.Background(), d))
}

func TestStartDownload_SingleFile(t *testing.T) {
	var polls atomic.Int32

	mux := http.NewServeMux()

	var serverURL string

	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":7,"name":"ubuntu.iso","status":"IN_QUEUE"}}`)
	})

	mux.HandleFunc("/v2/transfers/7", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"status":"OK","transfer":{"id":7,"status":"DOWNLOADING","percent_done":50,"size":11,"downloaded":5}}`)
			return
		}

		fmt.Fprint(w, `{"status":"OK","transfer":{"id":7,"status":"COMPLETED","percent_done":100,"size":11,"downloaded":11,"file_id":100}}`)
	})

	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch strings.TrimPrefix(r.URL.Path, "/v2/files/") {
		case "100":
			fmt.Fprint(w, `{"status":"OK","file":{"id":100,"name":"ubuntu.iso","size":11,"file_type":"FILE","content_type":"application/octet-stream"}}`)
		case "100/url":
			fmt.Fprintf(w, `{"status":"OK","url":"%s/content/100"}`, serverURL)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found"}`)
		}
	})

	mux.HandleFunc("/content/100", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello world")
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	serverURL = server.URL

	dest := filepath.Join(t.TempDir(), "ubuntu.iso")
	d := download.New("magnet:?xt=urn:btih:abc", dest, download.PriorityDefault)

	require.NoError(t, newTestEngine(server.URL).StartDownload(context.Background(), d))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestStartDownload_TransferError(t *testing.T) {
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":9,"status":"IN_QUEUE"}}`)
	})

	mux.HandleFunc("/v2/transfers/9", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":9,"status":"ERROR","error_message":"no peers"}}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	d := download.New("magnet:?xt=urn:btih:abc", filepath.Join(t.TempDir(), "x"), download.PriorityDefault)

	err := newTestEngine(server.URL).StartDownload(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no peers")
}

func TestStartDownload_AddFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error_type":"INVALID_URL","error_message":"invalid url","status":"ERROR"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	d := download.New("magnet:?xt=bad", filepath.Join(t.TempDir(), "x"), download.PriorityDefault)

	err := newTestEngine(server.URL).StartDownload(context.Background(), d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to add transfer")
}

func TestRelease_CancelsUnfinishedTransfer(t *testing.T) {
	var canceled atomic.Value

	mux := http.NewServeMux()

	mux.HandleFunc("/v2/transfers/add", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":9,"status":"IN_QUEUE"}}`)
	})

	mux.HandleFunc("/v2/transfers/9", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK","transfer":{"id":9,"status":"ERROR","error_message":"no peers"}}`)
	})

	mux.HandleFunc("/v2/transfers/cancel", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		canceled.Store(r.PostForm.Get("transfer_ids"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"OK"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	e := newTestEngine(server.URL)
	d := download.New("magnet:?xt=urn:btih:abc", filepath.Join(t.TempDir(), "x"), download.PriorityDefault)

	require.Error(t, e.StartDownload(context.Background(), d))

	// the failed transfer is still tracked until released
	_, err := e.Progress(context.Background(), d)
	require.NoError(t, err)

	require.NoError(t, e.Release(context.Background(), d))
	assert.Equal(t, "9", canceled.Load())

	_, err = e.Progress(context.Background(), d)
	assert.ErrorIs(t, err, download.ErrNotFound)

	// a second release has nothing left to cancel
	canceled.Store("")
	require.NoError(t, e.Release(context.Background(), d))
	assert.Equal(t, "", canceled.Load())
}
