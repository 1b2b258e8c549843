// Package segment splits one large download into byte-range segments that are
// fetched concurrently, each on its own engine, and reassembles them in order.
// A download whose segments partially failed can be resumed; only the missing
// ranges are fetched again.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/notifier"
	"github.com/italolelis/dlmanager/internal/storage"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

const (
	// EngineName labels metrics of segmented downloads, which span engines.
	EngineName = "segmented"

	partialSuffix = ".partial"
	partSuffix    = ".part"

	defaultCount   = 4
	defaultMinSize = 1 << 20
)

// Coordinator runs segmented downloads. It tracks every download it was handed
// until the process exits; segment state is guarded by mu.
type Coordinator struct {
	selector  *engine.Selector
	repo      storage.DownloadRepository
	sink      notifier.EventSink
	telemetry *telemetry.Telemetry

	tempDir      string
	defaultCount int
	minSize      int64

	wg sync.WaitGroup

	mu        sync.Mutex
	downloads map[string]*tracked
	// jobCtx is the parent of downloads started through Submit and ResumeByID.
	jobCtx context.Context
}

type tracked struct {
	d       *download.Download
	running bool
	cancel  context.CancelFunc
}

type Option func(*Coordinator)

// WithTempDir sets the directory holding segment files, one subdirectory per download.
func WithTempDir(dir string) Option {
	return func(c *Coordinator) {
		c.tempDir = dir
	}
}

// WithSegmentCount caps the number of segments per download.
func WithSegmentCount(n int) Option {
	return func(c *Coordinator) {
		c.defaultCount = n
	}
}

// WithMinSize sets the smallest segment worth fetching on its own.
func WithMinSize(size int64) Option {
	return func(c *Coordinator) {
		c.minSize = size
	}
}

func WithRepository(r storage.DownloadRepository) Option {
	return func(c *Coordinator) {
		c.repo = r
	}
}

func WithSink(s notifier.EventSink) Option {
	return func(c *Coordinator) {
		c.sink = s
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Coordinator) {
		c.telemetry = t
	}
}

func New(selector *engine.Selector, opts ...Option) *Coordinator {
	c := &Coordinator{
		selector:     selector,
		tempDir:      filepath.Join(os.TempDir(), "dlmanager"),
		defaultCount: defaultCount,
		minSize:      defaultMinSize,
		downloads:    make(map[string]*tracked),
		jobCtx:       context.Background(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.defaultCount <= 0 {
		c.defaultCount = defaultCount
	}

	if c.minSize <= 0 {
		c.minSize = defaultMinSize
	}

	if c.sink == nil {
		c.sink = notifier.SinkFunc(func(context.Context, download.QueueEvent) {})
	}

	return c
}

// TempDir returns the root directory of the segment files.
func (c *Coordinator) TempDir() string {
	return c.tempDir
}

// SegmentCount returns how many segments a download of size bytes is split into.
func (c *Coordinator) SegmentCount(size int64) int {
	n := size / c.minSize
	if n < 1 {
		n = 1
	}

	return int(min(int64(c.defaultCount), n))
}

func (c *Coordinator) segmentPath(downloadID string, index int) string {
	return filepath.Join(c.tempDir, downloadID, strconv.Itoa(index)+partSuffix)
}

// Download splits d into segments, fetches them concurrently and merges them
// into d.Destination. It blocks until the download completed or failed. When
// some segments failed d ends up Failed with an *download.IncompleteSegmentsError
// and can be resumed.
func (c *Coordinator) Download(ctx context.Context, d *download.Download) error {
	ctx, err := c.register(ctx, d)
	if err != nil {
		return err
	}

	return c.download(ctx, d)
}

// Submit registers d and runs Download in the background.
func (c *Coordinator) Submit(ctx context.Context, d *download.Download) error {
	if _, err := c.register(ctx, d); err != nil {
		return err
	}

	c.mu.Lock()
	jobCtx := c.jobCtx
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		_ = c.download(logctx.WithDownload(jobCtx, d.ID, d.URL), d)
	}()

	return nil
}

// Detach makes downloads started through Submit and ResumeByID outlive the
// request that started them. The values of ctx (logger, telemetry) are kept.
func (c *Coordinator) Detach(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.jobCtx = context.WithoutCancel(ctx)
}

// Wait blocks until every background download finished or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	finished := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) register(ctx context.Context, d *download.Download) (context.Context, error) {
	ctx = logctx.WithDownload(ctx, d.ID, d.URL)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.downloads[d.ID]; exists {
		return ctx, &download.EnqueueError{URL: d.URL, Reason: "download " + d.ID + " is already tracked"}
	}

	c.downloads[d.ID] = &tracked{d: d}

	return ctx, nil
}

func (c *Coordinator) download(ctx context.Context, d *download.Download) error {
	logger := logctx.LoggerFromContext(ctx)

	size, err := c.probe(ctx, d.URL)
	if err != nil {
		c.finish(ctx, d, err)

		return err
	}

	segments, err := download.Partition(d.ID, size, c.SegmentCount(size))
	if err != nil {
		err = &download.SizeUnknownError{URL: d.URL, Err: err}
		c.finish(ctx, d, err)

		return err
	}

	for _, seg := range segments {
		seg.TempPath = c.segmentPath(d.ID, seg.Index)
	}

	c.mu.Lock()
	if d.Status == download.StatusCanceled {
		c.mu.Unlock()

		return context.Canceled
	}

	d.TotalSize = size
	d.Segments = segments
	d.Engine = EngineName
	d.QueuedAt = time.Now()
	d.Transition(download.StatusQueued)
	snapshot := d.Clone()
	c.mu.Unlock()

	logger.InfoContext(ctx, "segmented download planned",
		"size", humanize.IBytes(uint64(size)),
		"segments", len(segments),
	)

	if c.repo != nil {
		if err := c.repo.Add(ctx, snapshot); err != nil {
			logger.ErrorContext(ctx, "failed to persist download", "err", err)
		}
	}

	c.sink.Publish(ctx, download.NewEvent(download.EventEnqueued, snapshot, fmt.Sprintf("split into %d segments", len(segments))))

	return c.fetchAndMerge(ctx, d)
}

// probe asks the compatible engines for the content length until one knows it.
func (c *Coordinator) probe(ctx context.Context, rawURL string) (int64, error) {
	probers := c.selector.Compatible(rawURL, engine.Where(func(e engine.Engine) bool {
		_, ok := e.(engine.SizeProber)

		return ok
	}))

	errs := make([]error, 0, len(probers))

	for _, e := range probers {
		size, err := e.(engine.SizeProber).ContentLength(ctx, rawURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))

			continue
		}

		if size > 0 {
			return size, nil
		}

		errs = append(errs, fmt.Errorf("%s: no content length", e.Name()))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no engine can probe the content length"))
	}

	return 0, &download.SizeUnknownError{URL: rawURL, Err: errors.Join(errs...)}
}

// fetchAndMerge fetches every segment that is not completed yet and merges
// once all of them are.
func (c *Coordinator) fetchAndMerge(ctx context.Context, d *download.Download) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	t := c.downloads[d.ID]
	if d.Status == download.StatusCanceled {
		t.running = false
		c.mu.Unlock()

		return context.Canceled
	}

	t.running = true
	t.cancel = cancel
	d.LastError = ""
	d.Transition(download.StatusDownloading)
	snapshot := d.Clone()
	c.mu.Unlock()

	c.persist(ctx, snapshot)
	c.sink.Publish(ctx, download.NewEvent(download.EventDownloadStarted, snapshot, ""))

	c.telemetry.IncrementActiveDownloads(ctx)
	defer c.telemetry.DecrementActiveDownloads(ctx)

	start := time.Now()

	c.fetch(ctx, d)

	c.mu.Lock()
	t.running = false
	t.cancel = nil
	canceled := d.Status == download.StatusCanceled
	c.mu.Unlock()

	if canceled {
		// segments that were still writing when Cancel cleaned up
		if err := os.RemoveAll(filepath.Join(c.tempDir, d.ID)); err != nil {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove segment files", "err", err)
		}

		return context.Canceled
	}

	err := c.Merge(ctx, d)

	c.finish(ctx, d, err)

	status := "completed"
	if err != nil {
		status = "failed"
	}

	c.telemetry.RecordDownload(ctx, EngineName, status, time.Since(start))

	return err
}

// fetch downloads the pending segments of d concurrently. Failed segments do
// not stop their siblings; they are left Failed for a later resume.
func (c *Coordinator) fetch(ctx context.Context, d *download.Download) {
	c.mu.Lock()
	parent := d.Clone()

	var pending []*download.Segment

	for _, seg := range d.Segments {
		if seg.Status != download.StatusCompleted {
			pending = append(pending, seg)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group

	for _, seg := range pending {
		g.Go(func() error {
			c.fetchSegment(ctx, parent, seg)

			return nil
		})
	}

	_ = g.Wait()
}

func (c *Coordinator) fetchSegment(ctx context.Context, parent *download.Download, seg *download.Segment) {
	logger := logctx.LoggerFromContext(ctx).With("segment", seg.Index)

	eng, err := c.selector.Select(ctx, parent.URL, engine.Where(engine.SupportsSegments))
	if err != nil {
		logger.ErrorContext(ctx, "no engine for segment", "err", err)
		c.setSegment(seg, download.StatusFailed, "")

		return
	}

	c.setSegment(seg, download.StatusDownloading, eng.Name())

	c.mu.Lock()
	attempt := *seg
	c.mu.Unlock()

	start := time.Now()
	err = eng.DownloadSegment(ctx, parent, &attempt)
	elapsed := time.Since(start)

	speed := 0.0
	if err == nil && elapsed > 0 {
		speed = float64(attempt.Length()) / elapsed.Seconds()
	}

	c.selector.RecordAttempt(eng.Name(), err == nil, speed, elapsed)

	if err != nil {
		logger.WarnContext(ctx, "segment failed", "engine", eng.Name(), "err", err)
		c.setSegment(seg, download.StatusFailed, eng.Name())

		return
	}

	logger.DebugContext(ctx, "segment completed",
		"engine", eng.Name(),
		"size", humanize.IBytes(uint64(attempt.Length())),
		"speed", humanize.IBytes(uint64(speed))+"/s",
	)

	c.setSegment(seg, download.StatusCompleted, eng.Name())
}

func (c *Coordinator) setSegment(seg *download.Segment, status download.Status, engineName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg.Status = status
	if engineName != "" {
		seg.Engine = engineName
	}
}

// Merge concatenates the segments of d into d.Destination in index order.
// Nothing is written unless every segment completed. The data is staged next
// to the destination and renamed over it once synced; the segment files are
// removed afterwards.
func (c *Coordinator) Merge(ctx context.Context, d *download.Download) error {
	c.mu.Lock()

	segments := make([]download.Segment, 0, len(d.Segments))

	var pending []int

	for _, seg := range d.Segments {
		if seg.Status != download.StatusCompleted {
			pending = append(pending, seg.Index)
		}

		segments = append(segments, *seg)
	}

	id, dest := d.ID, d.Destination
	c.mu.Unlock()

	if len(segments) == 0 || len(pending) > 0 {
		slices.Sort(pending)

		return &download.IncompleteSegmentsError{DownloadID: id, Pending: pending}
	}

	slices.SortFunc(segments, func(a, b download.Segment) int { return a.Index - b.Index })

	if err := writeMerged(dest, segments); err != nil {
		return fmt.Errorf("failed to merge segments of %s: %w", id, err)
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, seg := range segments {
		if err := os.Remove(seg.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove segment file", "path", seg.TempPath, "err", err)
		}
	}

	if err := os.Remove(filepath.Join(c.tempDir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.DebugContext(ctx, "segment directory not removed", "err", err)
	}

	logger.InfoContext(ctx, "segments merged", "destination", dest, "segments", len(segments))

	return nil
}

func writeMerged(dest string, segments []download.Segment) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	staging := dest + partialSuffix

	out, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	if err := appendSegments(out, segments); err != nil {
		out.Close()
		os.Remove(staging)

		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(staging)

		return fmt.Errorf("failed to sync staging file: %w", err)
	}

	if err := out.Close(); err != nil {
		os.Remove(staging)

		return fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := os.Rename(staging, dest); err != nil {
		os.Remove(staging)

		return fmt.Errorf("failed to move merged file into place: %w", err)
	}

	return nil
}

func appendSegments(w io.Writer, segments []download.Segment) error {
	for _, seg := range segments {
		in, err := os.Open(seg.TempPath)
		if err != nil {
			return fmt.Errorf("failed to open segment %d: %w", seg.Index, err)
		}

		n, err := io.Copy(w, in)
		in.Close()

		if err != nil {
			return fmt.Errorf("failed to copy segment %d: %w", seg.Index, err)
		}

		if n != seg.Length() {
			return fmt.Errorf("segment %d has %d bytes, want %d", seg.Index, n, seg.Length())
		}
	}

	return nil
}

// finish moves d into Completed when err is nil and into Failed otherwise.
func (c *Coordinator) finish(ctx context.Context, d *download.Download, err error) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	if err == nil {
		d.LastError = ""
		d.Transition(download.StatusCompleted)

		for _, seg := range d.Segments {
			seg.TempPath = ""
		}
	} else {
		d.FailureCount++
		d.LastError = err.Error()
		d.Transition(download.StatusFailed)
	}

	snapshot := d.Clone()
	c.mu.Unlock()

	c.persist(ctx, snapshot)

	if err != nil {
		logger.ErrorContext(ctx, "segmented download failed", "err", err)
		c.sink.Publish(ctx, download.NewEvent(download.EventDownloadFailed, snapshot, err.Error()))

		return
	}

	logger.InfoContext(ctx, "segmented download completed", "size", humanize.IBytes(uint64(snapshot.TotalSize)))
	c.sink.Publish(ctx, download.NewEvent(download.EventDownloadCompleted, snapshot, ""))
}

// Resume fetches the segments of a failed download that did not complete and
// merges. Completed segments are not fetched again.
func (c *Coordinator) Resume(ctx context.Context, d *download.Download) error {
	ctx = logctx.WithDownload(ctx, d.ID, d.URL)

	if err := c.prepareResume(d); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "resuming segmented download", "pending", len(pendingIndexes(d)))

	return c.fetchAndMerge(ctx, d)
}

// ResumeByID resumes a tracked download in the background.
func (c *Coordinator) ResumeByID(ctx context.Context, id string) error {
	c.mu.Lock()
	t, ok := c.downloads[id]
	jobCtx := c.jobCtx
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("download %s: %w", id, download.ErrNotFound)
	}

	d := t.d

	if err := c.prepareResume(d); err != nil {
		return err
	}

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		_ = c.fetchAndMerge(logctx.WithDownload(jobCtx, d.ID, d.URL), d)
	}()

	return nil
}

func (c *Coordinator) prepareResume(d *download.Download) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Status != download.StatusFailed {
		return &download.InvalidStateError{DownloadID: d.ID, Operation: "resume", Status: d.Status, Want: download.StatusFailed}
	}

	if len(d.Segments) == 0 {
		return &download.InvalidStateError{
			DownloadID: d.ID,
			Operation:  "resume",
			Status:     d.Status,
			Want:       download.StatusFailed,
			Reason:     "no segments were planned, the download failed before its size was known",
		}
	}

	t, ok := c.downloads[d.ID]
	if !ok {
		t = &tracked{d: d}
		c.downloads[d.ID] = t
	}

	if t.running {
		return &download.InvalidStateError{DownloadID: d.ID, Operation: "resume", Status: download.StatusDownloading, Want: download.StatusFailed}
	}

	// reserve the download so a concurrent resume is refused
	t.running = true

	return nil
}

func pendingIndexes(d *download.Download) []int {
	var out []int

	for _, seg := range d.Segments {
		if seg.Status != download.StatusCompleted {
			out = append(out, seg.Index)
		}
	}

	return out
}

// Cancel aborts a segmented download and removes its segment files.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()

	t, ok := c.downloads[id]
	if !ok {
		c.mu.Unlock()

		return fmt.Errorf("download %s: %w", id, download.ErrNotFound)
	}

	if t.d.Status.IsTerminal() && t.d.Status != download.StatusFailed {
		status := t.d.Status
		c.mu.Unlock()

		return &download.InvalidStateError{DownloadID: id, Operation: "cancel", Status: status, Want: download.StatusDownloading}
	}

	t.d.Transition(download.StatusCanceled)

	cancel := t.cancel
	snapshot := t.d.Clone()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := os.RemoveAll(filepath.Join(c.tempDir, id)); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to remove segment files", "download_id", id, "err", err)
	}

	c.persist(ctx, snapshot)
	c.sink.Publish(ctx, download.NewEvent(download.EventDownloadCanceled, snapshot, ""))

	return nil
}

// Restore tracks the segmented downloads a previous process left unfinished.
// They come back as Failed; segments whose files went missing are fetched
// again on resume.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.repo == nil {
		return 0, nil
	}

	stored, err := c.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored downloads: %w", err)
	}

	restored := 0

	for _, d := range stored {
		if !d.IsSegmented() || d.Status == download.StatusCompleted || d.Status == download.StatusCanceled {
			continue
		}

		for _, seg := range d.Segments {
			if seg.Status == download.StatusCompleted && !segmentOnDisk(seg) {
				seg.Status = download.StatusFailed
			}

			if seg.Status != download.StatusCompleted && seg.Status != download.StatusFailed {
				seg.Status = download.StatusFailed
			}
		}

		if d.Status != download.StatusFailed {
			d.LastError = "interrupted before completion"
			d.Transition(download.StatusFailed)
		}

		if _, err := c.register(ctx, d); err != nil {
			continue
		}

		c.persist(ctx, d.Clone())

		restored++
	}

	return restored, nil
}

func segmentOnDisk(seg *download.Segment) bool {
	info, err := os.Stat(seg.TempPath)

	return err == nil && info.Size() == seg.Length()
}

func (c *Coordinator) persist(ctx context.Context, snapshot *download.Download) {
	if c.repo == nil {
		return
	}

	if err := c.repo.Update(ctx, snapshot); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download",
			"download_id", snapshot.ID,
			"status", snapshot.Status.String(),
			"err", err,
		)
		c.telemetry.RecordSystemError(ctx, "segment", "persist")
	}
}

// Progress returns the bytes of the completed segments over the total size.
func (c *Coordinator) Progress(d *download.Download) download.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	var done int64

	for _, seg := range d.Segments {
		if seg.Status == download.StatusCompleted {
			done += seg.Length()
		}
	}

	return download.Progress{Downloaded: done, Total: d.TotalSize}
}

// Get returns a snapshot of a tracked download.
func (c *Coordinator) Get(id string) (*download.Download, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.downloads[id]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", id, download.ErrNotFound)
	}

	return t.d.Clone(), nil
}

// List returns snapshots of every tracked download by creation time.
func (c *Coordinator) List() []*download.Download {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*download.Download, 0, len(c.downloads))
	for _, t := range c.downloads {
		out = append(out, t.d.Clone())
	}

	slices.SortFunc(out, func(a, b *download.Download) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out
}

// Tracks reports whether id is a download the coordinator knows about and
// has not finished yet.
func (c *Coordinator) Tracks(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.downloads[id]

	return ok && (t.running || t.d.Status == download.StatusFailed)
}
