// Package deluge implements a transfer engine on top of a Deluge seedbox. The
// torrent is added through the Deluge Web JSON-RPC API and, once finished, its
// files are fetched over HTTP or copied from a locally mounted completed directory.
package deluge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/progress"
)

const (
	EngineName = "deluge"

	defaultPollInterval = 10 * time.Second
	defaultPriority     = 0.5
	progressInterval    = 5 << 20
)

var statusKeys = []string{
	"name", "state", "progress", "total_size", "total_done",
	"download_payload_rate", "save_path", "files", "message",
}

type Options struct {
	BaseURL  string
	APIPath  string
	Username string
	Password string
	Insecure bool
	// CompletedDir is where the seedbox stores finished torrents when it is
	// mounted locally. Empty means files are fetched over HTTP from BaseURL.
	CompletedDir string
	PollInterval time.Duration
	Rules        *engine.Rules
}

// Engine drives torrents on a Deluge daemon.
type Engine struct {
	client       *Client
	completedDir string
	pollInterval time.Duration
	caps         *engine.StaticCapabilities

	mu       sync.Mutex
	torrents map[string]*torrent
}

type torrent struct {
	hash     string
	cancel   context.CancelFunc
	progress download.Progress
}

// TorrentFile is a file inside a torrent, relative to the save path.
type TorrentFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// TorrentStatus is the subset of core.get_torrent_status the engine reads.
type TorrentStatus struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	Progress            float64       `json:"progress"`
	TotalSize           int64         `json:"total_size"`
	TotalDone           int64         `json:"total_done"`
	DownloadPayloadRate float64       `json:"download_payload_rate"`
	SavePath            string        `json:"save_path"`
	Files               []TorrentFile `json:"files"`
	Message             string        `json:"message"`
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	e := &Engine{
		client:       NewClient(opts.BaseURL, opts.APIPath, opts.Username, opts.Password, opts.Insecure),
		completedDir: opts.CompletedDir,
		pollInterval: opts.PollInterval,
		torrents:     make(map[string]*torrent),
	}

	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}

	e.caps = &engine.StaticCapabilities{
		Engine:          EngineName,
		Schemes:         []string{"magnet", "http", "https"},
		Rules:           opts.Rules,
		DefaultPriority: defaultPriority,
		// torrents pick up from their verified pieces wherever they continue
		PartialResume: func(*download.Download) bool { return true },
	}

	return e
}

func (e *Engine) Authenticate(ctx context.Context) error {
	return e.client.Authenticate(ctx)
}

func (e *Engine) Name() string {
	return EngineName
}

func (e *Engine) Capabilities() engine.Capabilities {
	return e.caps
}

// CanHandleProtocol accepts magnet links and URLs of .torrent files.
func (e *Engine) CanHandleProtocol(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	switch strings.ToLower(u.Scheme) {
	case "magnet":
		return true
	case "http", "https":
		return u.Host != "" && strings.EqualFold(path.Ext(u.Path), ".torrent")
	default:
		return false
	}
}

func (e *Engine) lookup(id string) (*torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.torrents[id]

	return t, ok
}

// StartDownload adds the torrent, waits until Deluge finished it and copies its
// files to d.Destination. A torrent kept from an earlier attempt is resumed
// instead of added again.
func (e *Engine) StartDownload(ctx context.Context, d *download.Download) (retErr error) {
	logger := logctx.LoggerFromContext(ctx).With("engine", EngineName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t, err := e.attach(ctx, d, cancel)
	if err != nil {
		return err
	}

	// an unfinished torrent stays registered until Release or Cancel removes
	// it from the daemon
	defer func() {
		if retErr != nil {
			return
		}

		e.mu.Lock()
		if e.torrents[d.ID] == t {
			delete(e.torrents, d.ID)
		}
		e.mu.Unlock()
	}()

	hash := t.hash

	status, err := e.waitForTorrent(ctx, t)
	if err != nil {
		return err
	}

	if len(status.Files) == 0 {
		return fmt.Errorf("torrent %s has no files", hash)
	}

	single := len(status.Files) == 1 && !strings.Contains(status.Files[0].Path, "/")

	for _, f := range status.Files {
		target := filepath.Join(d.Destination, filepath.FromSlash(f.Path))
		if single {
			target = d.Destination
		}

		if err := e.fetchFile(ctx, status.SavePath, f, target); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "torrent downloaded", "hash", hash, "files", len(status.Files))

	return nil
}

func (e *Engine) attach(ctx context.Context, d *download.Download, cancel context.CancelFunc) (*torrent, error) {
	logger := logctx.LoggerFromContext(ctx).With("engine", EngineName)

	if t, ok := e.lookup(d.ID); ok {
		if err := e.client.Call(ctx, "core.resume_torrent", []any{[]string{t.hash}}, nil); err != nil {
			return nil, fmt.Errorf("failed to resume torrent: %w", err)
		}

		e.mu.Lock()
		t.cancel = cancel
		e.mu.Unlock()

		logger.InfoContext(ctx, "torrent resumed on deluge", "hash", t.hash)

		return t, nil
	}

	hash, err := e.addTorrent(ctx, d.URL)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "torrent added to deluge", "hash", hash)

	t := &torrent{hash: hash, cancel: cancel}

	e.mu.Lock()
	e.torrents[d.ID] = t
	e.mu.Unlock()

	return t, nil
}

func (e *Engine) addTorrent(ctx context.Context, rawURL string) (string, error) {
	method := "core.add_torrent_url"
	if strings.HasPrefix(strings.ToLower(rawURL), "magnet:") {
		method = "core.add_torrent_magnet"
	}

	var hash string
	if err := e.client.Call(ctx, method, []any{rawURL, map[string]any{}}, &hash); err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}

	if hash == "" {
		return "", errors.New("failed to add torrent: deluge returned no torrent id")
	}

	return hash, nil
}

// TorrentStatus returns the current status of a torrent.
func (e *Engine) TorrentStatus(ctx context.Context, hash string) (*TorrentStatus, error) {
	var status TorrentStatus
	if err := e.client.Call(ctx, "core.get_torrent_status", []any{hash, statusKeys}, &status); err != nil {
		return nil, fmt.Errorf("failed to get torrent status: %w", err)
	}

	return &status, nil
}

func (e *Engine) waitForTorrent(ctx context.Context, t *torrent) (*TorrentStatus, error) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.TorrentStatus(ctx, t.hash)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		t.progress = download.Progress{
			Downloaded: status.TotalDone,
			Total:      status.TotalSize,
			Speed:      status.DownloadPayloadRate,
		}
		e.mu.Unlock()

		switch {
		case status.Progress >= 100:
			return status, nil
		case status.State == "Error":
			return nil, fmt.Errorf("torrent %s failed on deluge: %s", t.hash, status.Message)
		}

		logger.DebugContext(ctx, "waiting for torrent", "hash", t.hash, "state", status.State, "progress", status.Progress)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) fetchFile(ctx context.Context, savePath string, f TorrentFile, target string) error {
	logger := logctx.LoggerFromContext(ctx)

	src, size, err := e.openFile(ctx, savePath, f)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	pr := progress.NewReader(src, size, progressInterval, progress.LogFunc(ctx, logger, target))

	_, copyErr := io.Copy(out, pr)
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return fmt.Errorf("failed to copy file: %w", copyErr)
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", target, "size", humanize.IBytes(uint64(pr.Written())))

	return nil
}

func (e *Engine) openFile(ctx context.Context, savePath string, f TorrentFile) (io.ReadCloser, int64, error) {
	if e.completedDir != "" {
		src, err := os.Open(filepath.Join(e.completedDir, filepath.FromSlash(f.Path)))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to open completed file: %w", err)
		}

		return src, f.Size, nil
	}

	filePath := strings.TrimPrefix(path.Join(savePath, f.Path), "/")
	fileURL := fmt.Sprintf("%s/%s", e.client.BaseURL, filePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if e.client.Username != "" && e.client.Password != "" {
		req.SetBasicAuth(e.client.Username, e.client.Password)
	}

	if cookie := e.client.session(); cookie != "" {
		req.AddCookie(&http.Cookie{Name: "_session_id", Value: cookie})
	}

	resp, err := e.client.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download file: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, 0, fmt.Errorf("failed to download file: %s", resp.Status)
	}

	return resp.Body, f.Size, nil
}

func (e *Engine) Pause(ctx context.Context, d *download.Download) error {
	t, ok := e.lookup(d.ID)
	if !ok {
		return fmt.Errorf("no torrent for %s: %w", d.ID, download.ErrNotFound)
	}

	if err := e.client.Call(ctx, "core.pause_torrent", []any{[]string{t.hash}}, nil); err != nil {
		return fmt.Errorf("failed to pause torrent: %w", err)
	}

	return nil
}

// Resume continues a paused torrent. A download this engine is not running is
// adopted: the next StartDownload adds it and Deluge rechecks existing data.
func (e *Engine) Resume(ctx context.Context, d *download.Download) error {
	t, ok := e.lookup(d.ID)
	if !ok {
		return nil
	}

	if err := e.client.Call(ctx, "core.resume_torrent", []any{[]string{t.hash}}, nil); err != nil {
		return fmt.Errorf("failed to resume torrent: %w", err)
	}

	return nil
}

// Cancel stops waiting for the torrent and removes it together with its data.
func (e *Engine) Cancel(ctx context.Context, d *download.Download) error {
	return e.remove(ctx, d.ID)
}

// Release removes the torrent of a download that failed here or moved to
// another engine. Files already copied to the destination are not touched.
func (e *Engine) Release(ctx context.Context, d *download.Download) error {
	return e.remove(ctx, d.ID)
}

func (e *Engine) remove(ctx context.Context, id string) error {
	e.mu.Lock()
	t, ok := e.torrents[id]
	delete(e.torrents, id)

	var stop context.CancelFunc
	if ok {
		stop = t.cancel
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	stop()

	if err := e.client.Call(ctx, "core.remove_torrent", []any{t.hash, true}, nil); err != nil {
		return fmt.Errorf("failed to remove torrent: %w", err)
	}

	return nil
}

func (e *Engine) Progress(_ context.Context, d *download.Download) (download.Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.torrents[d.ID]
	if !ok {
		return download.Progress{}, fmt.Errorf("no torrent for %s: %w", d.ID, download.ErrNotFound)
	}

	return t.progress, nil
}

// TestPerformance is not supported: swarm speed cannot be sampled up front.
func (e *Engine) TestPerformance(context.Context, string) (engine.Performance, error) {
	return engine.Performance{}, download.ErrUnsupported
}

func (e *Engine) DownloadSegment(context.Context, *download.Download, *download.Segment) error {
	return download.ErrUnsupported
}
