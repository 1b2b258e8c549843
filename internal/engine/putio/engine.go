// Package putio implements a transfer engine backed by put.io cloud transfers.
// Magnet links and torrent URLs are handed to put.io, which fetches them on its
// side. Once a transfer completes the produced files are streamed to the
// download destination.
package putio

import (
	"context"
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
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/progress"
)

const (
	EngineName = "putio"

	defaultPollInterval = 15 * time.Second
	defaultPriority     = 0.6
	progressInterval    = 10 << 20
)

// Transfer statuses reported by put.io.
const (
	statusCompleted = "COMPLETED"
	statusSeeding   = "SEEDING"
	statusError     = "ERROR"
)

type Options struct {
	Token        string
	PollInterval time.Duration
	Rules        *engine.Rules
	// HTTPClient fetches the produced files. Default: http.DefaultClient.
	HTTPClient *http.Client
}

// Engine drives put.io transfers.
type Engine struct {
	putioClient  *putio.Client
	httpClient   *http.Client
	pollInterval time.Duration
	caps         *engine.StaticCapabilities

	mu        sync.Mutex
	transfers map[string]*remoteTransfer
}

type remoteTransfer struct {
	id       int64
	cancel   context.CancelFunc
	progress download.Progress
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return newEngine(putio.NewClient(oauthClient), opts)
}

func newEngine(c *putio.Client, opts Options) *Engine {
	e := &Engine{
		putioClient:  c,
		httpClient:   opts.HTTPClient,
		pollInterval: opts.PollInterval,
		transfers:    make(map[string]*remoteTransfer),
	}

	if e.httpClient == nil {
		e.httpClient = http.DefaultClient
	}

	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}

	e.caps = &engine.StaticCapabilities{
		Engine:          EngineName,
		Schemes:         []string{"magnet", "http", "https"},
		Rules:           opts.Rules,
		DefaultPriority: defaultPriority,
	}

	return e
}

// Authenticate checks the token against the account endpoint.
func (e *Engine) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := e.putioClient.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
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

// StartDownload adds the transfer to put.io, waits for it to complete and
// copies the resulting files to d.Destination.
func (e *Engine) StartDownload(ctx context.Context, d *download.Download) (retErr error) {
	logger := logctx.LoggerFromContext(ctx).With("engine", EngineName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t, err := e.putioClient.Transfers.Add(ctx, d.URL, 0, "")
	if err != nil {
		return fmt.Errorf("failed to add transfer: %w", err)
	}

	logger.InfoContext(ctx, "transfer added to Put.io", "transfer_id", t.ID)

	rt := &remoteTransfer{id: t.ID, cancel: cancel}

	e.mu.Lock()
	e.transfers[d.ID] = rt
	e.mu.Unlock()

	// an unfinished transfer stays registered until Release or Cancel removes
	// it from put.io
	defer func() {
		if retErr != nil {
			return
		}

		e.mu.Lock()
		if e.transfers[d.ID] == rt {
			delete(e.transfers, d.ID)
		}
		e.mu.Unlock()
	}()

	fileID, err := e.waitForTransfer(ctx, rt)
	if err != nil {
		return err
	}

	files, err := e.getFilesRecursively(ctx, fileID, "")
	if err != nil {
		return fmt.Errorf("failed to list transfer files: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("transfer %d produced no files", t.ID)
	}

	single := len(files) == 1 && files[0].Path == files[0].Name

	for _, f := range files {
		target := filepath.Join(d.Destination, f.Path)
		if single {
			target = d.Destination
		}

		if err := e.grabFile(ctx, f, target); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "transfer downloaded", "transfer_id", t.ID, "files", len(files))

	return nil
}

func (e *Engine) waitForTransfer(ctx context.Context, rt *remoteTransfer) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		t, err := e.putioClient.Transfers.Get(ctx, rt.id)
		if err != nil {
			return 0, fmt.Errorf("failed to get transfer %d: %w", rt.id, err)
		}

		e.mu.Lock()
		rt.progress = download.Progress{
			Downloaded: t.Downloaded,
			Total:      int64(t.Size),
			Speed:      float64(t.DownloadSpeed),
		}
		e.mu.Unlock()

		switch strings.ToUpper(t.Status) {
		case statusCompleted, statusSeeding:
			if t.FileID != 0 {
				return t.FileID, nil
			}
		case statusError:
			return 0, fmt.Errorf("transfer %d failed on Put.io: %s", rt.id, t.ErrorMessage)
		}

		logger.DebugContext(ctx, "waiting for Put.io transfer",
			"transfer_id", rt.id,
			"status", t.Status,
			"percent_done", t.PercentDone,
		)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

type remoteFile struct {
	ID   int64
	Name string
	Path string
	Size int64
}

func (e *Engine) getFilesRecursively(ctx context.Context, parentID int64, basePath string) ([]*remoteFile, error) {
	logger := logctx.LoggerFromContext(ctx).With("parent_id", parentID, "base_path", basePath)

	file, err := e.putioClient.Files.Get(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	if !file.IsDir() {
		return []*remoteFile{{
			ID:   file.ID,
			Name: file.Name,
			Path: filepath.Join(basePath, file.Name),
			Size: file.Size,
		}}, nil
	}

	children, _, err := e.putioClient.Files.List(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	var result []*remoteFile

	for _, f := range children {
		if f.IsDir() {
			nested, err := e.getFilesRecursively(ctx, f.ID, filepath.Join(basePath, f.Name))
			if err != nil {
				logger.ErrorContext(ctx, "failed to get nested files", "err", err)

				continue
			}

			result = append(result, nested...)

			continue
		}

		result = append(result, &remoteFile{
			ID:   f.ID,
			Name: f.Name,
			Path: filepath.Join(basePath, f.Name),
			Size: f.Size,
		})
	}

	return result, nil
}

func (e *Engine) grabFile(ctx context.Context, f *remoteFile, target string) error {
	logger := logctx.LoggerFromContext(ctx)

	fileURL, err := e.putioClient.Files.URL(ctx, f.ID, false)
	if err != nil {
		return fmt.Errorf("failed to get file download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to get file: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	pr := progress.NewReader(resp.Body, f.Size, progressInterval, progress.LogFunc(ctx, logger, target))

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

// Pause is not supported: put.io transfers cannot be suspended.
func (e *Engine) Pause(context.Context, *download.Download) error {
	return download.ErrUnsupported
}

// Resume adopts a download this engine is not running yet; the next
// StartDownload adds it to put.io. Running transfers cannot be resumed.
func (e *Engine) Resume(_ context.Context, d *download.Download) error {
	e.mu.Lock()
	_, running := e.transfers[d.ID]
	e.mu.Unlock()

	if running {
		return download.ErrUnsupported
	}

	return nil
}

// Cancel stops the local copy and cancels the remote transfer.
func (e *Engine) Cancel(ctx context.Context, d *download.Download) error {
	return e.drop(ctx, d.ID)
}

// Release cancels the put.io transfer of a download that moved elsewhere or
// failed here, so a later attempt starts from a fresh transfer.
func (e *Engine) Release(ctx context.Context, d *download.Download) error {
	return e.drop(ctx, d.ID)
}

func (e *Engine) drop(ctx context.Context, id string) error {
	e.mu.Lock()
	rt, ok := e.transfers[id]
	delete(e.transfers, id)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	rt.cancel()

	if err := e.putioClient.Transfers.Cancel(ctx, rt.id); err != nil {
		return fmt.Errorf("failed to cancel transfer %d: %w", rt.id, err)
	}

	return nil
}

func (e *Engine) Progress(_ context.Context, d *download.Download) (download.Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt, ok := e.transfers[d.ID]
	if !ok {
		return download.Progress{}, fmt.Errorf("no transfer for %s: %w", d.ID, download.ErrNotFound)
	}

	return rt.progress, nil
}

// TestPerformance is not supported: the remote fetch speed depends on the swarm.
func (e *Engine) TestPerformance(context.Context, string) (engine.Performance, error) {
	return engine.Performance{}, download.ErrUnsupported
}

func (e *Engine) DownloadSegment(context.Context, *download.Download, *download.Segment) error {
	return download.ErrUnsupported
}
