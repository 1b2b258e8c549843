// Package httpengine implements a transfer engine for plain HTTP and HTTPS
// resources. Interrupted transfers continue with range requests and large files
// can be fetched in segments.
package httpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/progress"
)

const (
	EngineName = "http"

	// PartialSuffix is appended to the destination while a transfer runs.
	PartialSuffix = ".download"

	defaultProbeBytes = 256 << 10
	probeChunks       = 8
	progressInterval  = 5 << 20
	defaultPriority   = 0.5
)

// Options configures the engine.
type Options struct {
	// Client is used for every request. Default: a client with Timeout.
	Client *http.Client
	// Timeout for whole requests when Client is nil. Zero means no timeout.
	Timeout time.Duration
	// MaxBytesPerSec caps the combined throughput of all transfers. Zero disables the cap.
	MaxBytesPerSec int
	// ProbeBytes is the size of the test fetch used by TestPerformance.
	ProbeBytes int64
	Rules      *engine.Rules
}

// Engine transfers HTTP(S) resources to local files.
type Engine struct {
	client     *http.Client
	limiter    *rate.Limiter
	probeBytes int64
	caps       *engine.StaticCapabilities

	mu        sync.Mutex
	transfers map[string]*transfer
	ranges    map[string]bool // url -> server accepts byte ranges
}

var (
	_ engine.Engine     = (*Engine)(nil)
	_ engine.SizeProber = (*Engine)(nil)
)

func New(opts Options) *Engine {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		}
	}

	e := &Engine{
		client:     client,
		probeBytes: opts.ProbeBytes,
		transfers:  make(map[string]*transfer),
		ranges:     make(map[string]bool),
	}

	if e.probeBytes <= 0 {
		e.probeBytes = defaultProbeBytes
	}

	if opts.MaxBytesPerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSec), opts.MaxBytesPerSec)
	}

	e.caps = &engine.StaticCapabilities{
		Engine:          EngineName,
		Schemes:         []string{"http", "https"},
		Rules:           opts.Rules,
		DefaultPriority: defaultPriority,
		PartialResume:   e.acceptsRanges,
	}

	return e
}

func (e *Engine) Name() string {
	return EngineName
}

func (e *Engine) Capabilities() engine.Capabilities {
	return e.caps
}

func (e *Engine) SupportsSegments() bool {
	return true
}

func (e *Engine) CanHandleProtocol(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type transfer struct {
	cancel context.CancelFunc
	gate   *gate

	mu            sync.Mutex
	reader        *progress.Reader
	offset        int64
	total         int64
	acceptsRanges bool
}

func (t *transfer) set(r *progress.Reader, offset, total int64, acceptsRanges bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reader = r
	t.offset = offset
	t.total = total
	t.acceptsRanges = acceptsRanges
}

func (t *transfer) progress() download.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := download.Progress{Downloaded: t.offset, Total: t.total}
	if t.reader != nil {
		p.Downloaded += t.reader.Written()
		p.Speed = t.reader.Speed()
	}

	return p
}

func (e *Engine) register(id string, cancel context.CancelFunc) *transfer {
	t := &transfer{cancel: cancel, gate: newGate(), total: -1}

	e.mu.Lock()
	e.transfers[id] = t
	e.mu.Unlock()

	return t
}

func (e *Engine) unregister(id string, t *transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transfers[id] == t {
		delete(e.transfers, id)
	}
}

func (e *Engine) lookup(id string) (*transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[id]

	return t, ok
}

func (e *Engine) acceptsRanges(d *download.Download) bool {
	if t, ok := e.lookup(d.ID); ok {
		t.mu.Lock()
		defer t.mu.Unlock()

		return t.acceptsRanges
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.ranges[d.URL]
}

// StartDownload streams d.URL into d.Destination. Data left by an earlier
// interrupted attempt is continued with a range request when the server allows it.
func (e *Engine) StartDownload(ctx context.Context, d *download.Download) error {
	logger := logctx.LoggerFromContext(ctx).With("engine", EngineName, "target", d.Destination)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := e.register(d.ID, cancel)
	defer e.unregister(d.ID, t)

	if err := os.MkdirAll(filepath.Dir(d.Destination), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	partial := d.Destination + PartialSuffix

	var offset int64
	if fi, err := os.Stat(partial); err == nil {
		offset = fi.Size()
	}

	resp, err := e.getRange(ctx, d.URL, offset, -1)
	if errors.Is(err, ErrRangeNotSupported) && offset > 0 {
		logger.WarnContext(ctx, "server rejected resume offset, restarting", "offset", offset)

		offset = 0
		resp, err = e.getRange(ctx, d.URL, 0, -1)
	}

	if err != nil {
		return fmt.Errorf("failed to request %s: %w", d.URL, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	acceptsRanges := resp.Header.Get("Accept-Ranges") == "bytes"

	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
		acceptsRanges = true

		logger.InfoContext(ctx, "resuming download", "offset", humanize.IBytes(uint64(offset)))
	} else {
		offset = 0
		flags |= os.O_TRUNC
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = offset + resp.ContentLength
	}

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if _, _, size, err := ParseContentRange(cr); err == nil && size > 0 {
			total = size
		}
	}

	out, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}

	remaining := int64(-1)
	if total > 0 {
		remaining = total - offset
	}

	body := &throttledReader{ctx: ctx, r: resp.Body, gate: t.gate, limiter: e.limiter}
	pr := progress.NewReader(body, remaining, progressInterval, progress.LogFunc(ctx, logger, d.Destination))
	t.set(pr, offset, total, acceptsRanges)

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to copy file: %w", copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close target file: %w", closeErr)
	}

	if got := offset + pr.Written(); total > 0 && got != total {
		return fmt.Errorf("short transfer: got %d of %d bytes", got, total)
	}

	if err := os.Rename(partial, d.Destination); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}

	logger.InfoContext(ctx, "downloaded and saved file",
		"size", humanize.IBytes(uint64(offset+pr.Written())),
		"speed", humanize.IBytes(uint64(pr.Speed()))+"/s",
	)

	return nil
}

func (e *Engine) Pause(_ context.Context, d *download.Download) error {
	t, ok := e.lookup(d.ID)
	if !ok {
		return fmt.Errorf("no running transfer for %s: %w", d.ID, download.ErrNotFound)
	}

	t.gate.pause()

	return nil
}

// Resume releases a paused transfer. For a download this engine is not running
// it returns nil: the next StartDownload continues from the partial file.
func (e *Engine) Resume(_ context.Context, d *download.Download) error {
	if t, ok := e.lookup(d.ID); ok {
		t.gate.resume()
	}

	return nil
}

// Cancel aborts a running transfer and removes its partial data.
func (e *Engine) Cancel(ctx context.Context, d *download.Download) error {
	if t, ok := e.lookup(d.ID); ok {
		t.cancel()
	}

	if err := os.Remove(d.Destination + PartialSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove partial file", "target", d.Destination, "err", err)
	}

	return nil
}

// Release keeps the partial file: the next engine or attempt continues from it.
func (e *Engine) Release(context.Context, *download.Download) error {
	return nil
}

func (e *Engine) Progress(_ context.Context, d *download.Download) (download.Progress, error) {
	if t, ok := e.lookup(d.ID); ok {
		return t.progress(), nil
	}

	if fi, err := os.Stat(d.Destination); err == nil {
		return download.Progress{Downloaded: fi.Size(), Total: fi.Size()}, nil
	}

	if fi, err := os.Stat(d.Destination + PartialSuffix); err == nil {
		return download.Progress{Downloaded: fi.Size(), Total: d.TotalSize}, nil
	}

	return download.Progress{}, fmt.Errorf("no transfer for %s: %w", d.ID, download.ErrNotFound)
}

// ContentLength returns the size of rawURL. Servers that do not answer HEAD
// with a length are asked for the first byte instead.
func (e *Engine) ContentLength(ctx context.Context, rawURL string) (int64, error) {
	info, err := e.head(ctx, rawURL)
	if err == nil && info.Size > 0 {
		e.rememberRanges(rawURL, info.AcceptsRanges)

		return info.Size, nil
	}

	resp, rerr := e.getRange(ctx, rawURL, 0, 0)
	if rerr != nil {
		return 0, errors.Join(err, rerr)
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusPartialContent {
		_, _, total, perr := ParseContentRange(resp.Header.Get("Content-Range"))
		if perr == nil && total > 0 {
			e.rememberRanges(rawURL, true)

			return total, nil
		}
	}

	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		e.rememberRanges(rawURL, false)

		return resp.ContentLength, nil
	}

	return 0, fmt.Errorf("server did not report a content length for %s", rawURL)
}

func (e *Engine) rememberRanges(rawURL string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ranges[rawURL] = ok
}

// DownloadSegment fetches the inclusive byte range of seg into seg.TempPath.
func (e *Engine) DownloadSegment(ctx context.Context, parent *download.Download, seg *download.Segment) error {
	resp, err := e.getRange(ctx, parent.URL, seg.Start, seg.End)
	if err != nil {
		return fmt.Errorf("failed to request segment %d: %w", seg.Index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("segment %d: %w", seg.Index, ErrRangeNotSupported)
	}

	if err := os.MkdirAll(filepath.Dir(seg.TempPath), 0o755); err != nil {
		return fmt.Errorf("failed to create segment directory: %w", err)
	}

	out, err := os.Create(seg.TempPath)
	if err != nil {
		return fmt.Errorf("failed to create segment file: %w", err)
	}

	body := &throttledReader{ctx: ctx, r: io.LimitReader(resp.Body, seg.Length()), limiter: e.limiter}

	n, copyErr := io.Copy(out, body)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to copy segment %d: %w", seg.Index, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close segment file: %w", closeErr)
	}

	if n != seg.Length() {
		return fmt.Errorf("segment %d: got %d of %d bytes", seg.Index, n, seg.Length())
	}

	return nil
}

// TestPerformance fetches the first bytes of rawURL in chunks and reports the
// throughput and how evenly it was sustained across chunks.
func (e *Engine) TestPerformance(ctx context.Context, rawURL string) (engine.Performance, error) {
	start := time.Now()

	resp, err := e.getRange(ctx, rawURL, 0, e.probeBytes-1)
	if err != nil {
		return engine.Performance{}, fmt.Errorf("probe request: %w", err)
	}
	defer drain(resp.Body)

	chunk := make([]byte, max(1, e.probeBytes/probeChunks))

	var (
		total  int64
		speeds []float64
	)

	for total < e.probeBytes {
		chunkStart := time.Now()

		n, err := io.ReadFull(resp.Body, chunk)
		total += int64(n)

		if n > 0 {
			if elapsed := time.Since(chunkStart).Seconds(); elapsed > 0 {
				speeds = append(speeds, float64(n)/elapsed)
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}

		if err != nil {
			return engine.Performance{}, fmt.Errorf("probe read: %w", err)
		}
	}

	if total == 0 {
		return engine.Performance{}, errors.New("probe returned no data")
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = math.SmallestNonzeroFloat64
	}

	return engine.Performance{
		Speed:     float64(total) / elapsed,
		Stability: stability(speeds),
	}, nil
}

// stability is 1 minus the coefficient of variation of the chunk speeds, in [0,1].
func stability(speeds []float64) float64 {
	if len(speeds) < 2 {
		return 1
	}

	var sum float64
	for _, s := range speeds {
		sum += s
	}

	mean := sum / float64(len(speeds))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, s := range speeds {
		variance += (s - mean) * (s - mean)
	}

	cv := math.Sqrt(variance/float64(len(speeds))) / mean

	return min(1, max(0, 1-cv))
}

// gate blocks readers while a transfer is paused.
type gate struct {
	mu     sync.Mutex
	ch     chan struct{} // closed while open
	paused bool
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)

	return &gate{ch: ch}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		g.ch = make(chan struct{})
		g.paused = true
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		close(g.ch)
		g.paused = false
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.paused
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// throttledReader applies the pause gate and the bandwidth cap to r.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	gate    *gate
	limiter *rate.Limiter
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if tr.gate != nil {
		if err := tr.gate.wait(tr.ctx); err != nil {
			return 0, err
		}
	}

	if tr.limiter != nil && len(p) > tr.limiter.Burst() {
		p = p[:tr.limiter.Burst()]
	}

	n, err := tr.r.Read(p)

	if n > 0 && tr.limiter != nil {
		if werr := tr.limiter.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
