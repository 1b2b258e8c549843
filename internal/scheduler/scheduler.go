// Package scheduler admits downloads into a priority ordered pending set and
// runs them on their selected engine under a concurrency bound. Failed
// downloads are retried with exponential backoff on an alternative engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/notifier"
	"github.com/italolelis/dlmanager/internal/storage"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

// Config bounds the scheduler.
type Config struct {
	MaxConcurrentDownloads int
	MaxRetryAttempts       int
	RetryBackoffBase       time.Duration
	// PollInterval is how long the dispatch loop sleeps on an empty queue
	// when no enqueue wakes it up earlier.
	PollInterval time.Duration
	// ProbeAlternatives measures the remaining engines live before a retry
	// picks one, instead of scoring them from history alone.
	ProbeAlternatives bool
	// HistoryLimit is how many finished downloads stay in memory. Older ones
	// are answered from the repository.
	HistoryLimit int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: 5,
		MaxRetryAttempts:       3,
		RetryBackoffBase:       5 * time.Second,
		PollInterval:           time.Second,
		HistoryLimit:           defaultHistoryLimit,
	}
}

const defaultHistoryLimit = 1000

type jobState int

const (
	statePending jobState = iota
	stateRunning
	stateBackoff
	stateDone
)

type job struct {
	d      *download.Download
	seq    uint64
	engine engine.Engine
	state  jobState

	// cancel aborts the current attempt or backoff wait.
	cancel   context.CancelFunc
	canceled bool
	// handoff tells the running attempt to continue on engine after a switch.
	handoff bool
}

// Scheduler is the priority scheduler. All job state is guarded by mu.
type Scheduler struct {
	selector   *engine.Selector
	repo       storage.DownloadRepository
	sink       notifier.EventSink
	classifier Classifier
	telemetry  *telemetry.Telemetry
	cfg        Config
	now        func() time.Time

	sem  *semaphore.Weighted
	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	pending []*job
	// finished keeps snapshots of the latest terminal downloads, oldest
	// first in history.
	finished map[string]*download.Download
	history  []string
	seq     uint64
	stop    context.CancelFunc
	done    chan struct{}
	// jobCtx is the parent of every attempt. It survives Stop.
	jobCtx context.Context
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

func WithClassifier(c Classifier) Option {
	return func(s *Scheduler) {
		s.classifier = c
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.telemetry = t
	}
}

// New creates a scheduler. Nothing runs until Start is called. repo and sink
// may be nil.
func New(selector *engine.Selector, repo storage.DownloadRepository, sink notifier.EventSink, opts ...Option) *Scheduler {
	s := &Scheduler{
		selector:   selector,
		repo:       repo,
		sink:       sink,
		classifier: URLClassifier{},
		cfg:        DefaultConfig(),
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		jobs:       make(map[string]*job),
		finished:   make(map[string]*download.Download),
		jobCtx:     context.Background(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cfg.MaxConcurrentDownloads <= 0 {
		s.cfg.MaxConcurrentDownloads = 1
	}

	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = time.Second
	}

	if s.cfg.HistoryLimit <= 0 {
		s.cfg.HistoryLimit = defaultHistoryLimit
	}

	if s.sink == nil {
		s.sink = notifier.SinkFunc(func(context.Context, download.QueueEvent) {})
	}

	s.sem = semaphore.NewWeighted(int64(s.cfg.MaxConcurrentDownloads))

	return s
}

// Start launches the dispatch loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})
	s.jobCtx = context.WithoutCancel(ctx)

	go s.dispatch(loopCtx, s.done)
}

// Stop halts admission of new work and waits for the dispatch loop to exit.
// Downloads that already run are not interrupted; use Cancel for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}

	stop()
	<-done
}

// Wait blocks until every running download and pending retry finished or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	finished := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) dispatch(ctx context.Context, done chan struct{}) {
	logger := logctx.LoggerFromContext(ctx)

	defer close(done)

	logger.InfoContext(ctx, "scheduler started",
		"max_concurrent_downloads", s.cfg.MaxConcurrentDownloads,
		"max_retry_attempts", s.cfg.MaxRetryAttempts,
	)

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			logger.InfoContext(ctx, "scheduler stopped", "reason", "context_cancelled")

			return
		}

		j := s.next()
		if j == nil {
			s.sem.Release(1)

			timer.Reset(s.cfg.PollInterval)

			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "scheduler stopped", "reason", "context_cancelled")

				return
			case <-s.wake:
			case <-timer.C:
			}

			continue
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)

			s.run(j)
		}()
	}
}

// signal wakes the dispatch loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the highest ranked pending job and marks it running.
func (s *Scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}

	s.rerank()

	j := s.pending[0]
	s.pending = slices.Delete(s.pending, 0, 1)
	j.state = stateRunning

	s.telemetry.RecordQueueDepth(s.jobCtx, len(s.pending))

	return j
}

// rerank sorts the pending set by current score, highest first. Equal scores
// keep the earliest queued download first, then the earliest admitted one.
// Callers hold mu.
func (s *Scheduler) rerank() {
	now := s.now()

	slices.SortStableFunc(s.pending, func(a, b *job) int {
		sa, sb := a.d.Score(now), b.d.Score(now)
		if sa != sb {
			return sb - sa
		}

		if c := a.d.QueuedAt.Compare(b.d.QueuedAt); c != 0 {
			return c
		}

		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}

		return 0
	})
}

// Enqueue classifies d, selects its starting engine and admits it into the
// pending set. The scheduler owns d from then on; callers observe it through
// Get and List. A rejected download is not queued: EnqueueFailed is emitted and
// an *download.EnqueueError is returned.
func (s *Scheduler) Enqueue(ctx context.Context, d *download.Download) error {
	return s.enqueue(ctx, d, false)
}

func (s *Scheduler) enqueue(ctx context.Context, d *download.Download, restored bool) error {
	ctx = logctx.WithDownload(ctx, d.ID, d.URL)
	logger := logctx.LoggerFromContext(ctx)

	class, err := s.classifier.Classify(ctx, d.URL)
	if err != nil {
		return s.reject(ctx, d, &download.EnqueueError{URL: d.URL, Reason: "url could not be classified", Err: err})
	}

	eng, err := s.selector.Select(ctx, d.URL)
	if err != nil {
		return s.reject(ctx, d, &download.EnqueueError{URL: d.URL, Reason: "no engine could be selected", Err: err})
	}

	s.mu.Lock()

	_, tracked := s.jobs[d.ID]
	_, finished := s.finished[d.ID]

	if tracked || finished {
		s.mu.Unlock()

		return s.reject(ctx, d, &download.EnqueueError{URL: d.URL, Reason: "download " + d.ID + " is already tracked"})
	}

	d.Engine = eng.Name()
	d.Transition(download.StatusQueued)

	if !restored || d.QueuedAt.IsZero() {
		d.QueuedAt = s.now()
	}

	s.seq++
	j := &job{d: d, seq: s.seq, engine: eng, state: statePending}
	s.jobs[d.ID] = j
	s.pending = append(s.pending, j)
	s.rerank()

	snapshot := d.Clone()
	depth := len(s.pending)
	s.mu.Unlock()

	logger.InfoContext(ctx, "download queued",
		"engine", eng.Name(),
		"priority", d.Priority.String(),
		"content_type", class.ContentType,
		"queue_length", depth,
	)

	s.telemetry.RecordQueueDepth(ctx, depth)

	if restored {
		s.persist(ctx, snapshot)
	} else if s.repo != nil {
		if err := s.repo.Add(ctx, snapshot); err != nil {
			logger.ErrorContext(ctx, "failed to persist download", "err", err)
		}
	}

	s.sink.Publish(ctx, download.NewEvent(download.EventEnqueued, snapshot, "queued on "+eng.Name()))
	s.signal()

	return nil
}

func (s *Scheduler) reject(ctx context.Context, d *download.Download, err *download.EnqueueError) error {
	logctx.LoggerFromContext(ctx).WarnContext(ctx, "download rejected", "err", err)

	rejected := d.Clone()
	rejected.Transition(download.StatusFailed)
	rejected.LastError = err.Error()

	s.sink.Publish(ctx, download.NewEvent(download.EventEnqueueFailed, rejected, err.Error()))

	return err
}

// Restore re-admits the downloads a previous process left unfinished. Their
// failure counts and queue timestamps are kept.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}

	stored, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored downloads: %w", err)
	}

	restored := 0

	for _, d := range stored {
		if d.Status.IsTerminal() || d.IsSegmented() {
			continue
		}

		if err := s.enqueue(ctx, d, true); err != nil {
			continue
		}

		restored++
	}

	return restored, nil
}

// run executes j until it completes, fails for good, is canceled or leaves
// for a retry.
func (s *Scheduler) run(j *job) {
	s.mu.Lock()
	ctx := logctx.WithDownload(s.jobCtx, j.d.ID, j.d.URL)
	s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download panicked", "panic", r, "stack", string(debug.Stack()))
			s.fail(ctx, j, fmt.Errorf("panic: %v", r))
		}
	}()

	for {
		attemptCtx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		if j.canceled {
			s.mu.Unlock()
			cancel()

			return
		}

		eng := j.engine
		j.cancel = cancel
		j.d.Engine = eng.Name()
		j.d.Transition(download.StatusDownloading)
		snapshot := j.d.Clone()
		s.mu.Unlock()

		logger.InfoContext(ctx, "download started", "engine", eng.Name())
		s.persist(ctx, snapshot)
		s.sink.Publish(ctx, download.NewEvent(download.EventDownloadStarted, snapshot, "started on "+eng.Name()))

		start := time.Now()
		err := s.telemetry.InstrumentDownload(attemptCtx, eng.Name(), func(ctx context.Context) error {
			return eng.StartDownload(ctx, snapshot)
		})
		elapsed := time.Since(start)

		cancel()

		s.mu.Lock()
		canceled, handoff, next := j.canceled, j.handoff, j.engine
		j.handoff = false
		s.mu.Unlock()

		switch {
		case canceled:
			// Cancel already finalized the download.
			return
		case err == nil:
			// the old engine finished before the switch stopped it
			if handoff && next != eng {
				s.release(ctx, next, snapshot)
			}

			s.complete(ctx, j, eng, snapshot, elapsed)

			return
		case handoff:
			logger.InfoContext(ctx, "continuing download on new engine", "from", eng.Name(), "to", next.Name())
			s.release(ctx, eng, snapshot)

			continue
		}

		s.retry(ctx, j, eng, snapshot, elapsed, err)

		return
	}
}

func (s *Scheduler) complete(ctx context.Context, j *job, eng engine.Engine, attempt *download.Download, elapsed time.Duration) {
	size, speed := s.measure(ctx, eng, attempt, elapsed)

	s.selector.RecordAttempt(eng.Name(), true, speed, elapsed)

	s.mu.Lock()
	if j.canceled {
		s.mu.Unlock()

		return
	}

	if size > 0 {
		j.d.TotalSize = size
	}

	j.engine = eng
	j.d.Engine = eng.Name()
	j.d.LastError = ""
	j.d.Transition(download.StatusCompleted)
	j.state = stateDone
	s.retire(j)
	snapshot := j.d.Clone()
	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download completed",
		"engine", eng.Name(),
		"duration", elapsed.String(),
		"bytes_per_sec", speed,
	)

	s.persist(ctx, snapshot)
	s.sink.Publish(ctx, download.NewEvent(download.EventDownloadCompleted, snapshot, ""))
}

// measure reads the final transfer size from the engine and derives the speed.
func (s *Scheduler) measure(ctx context.Context, eng engine.Engine, d *download.Download, elapsed time.Duration) (int64, float64) {
	p, err := eng.Progress(ctx, d)
	if err != nil {
		return 0, 0
	}

	size := p.Downloaded
	if p.Total > size {
		size = p.Total
	}

	if elapsed <= 0 {
		return size, p.Speed
	}

	return size, float64(p.Downloaded) / elapsed.Seconds()
}

// retry records a failed attempt and either schedules the next attempt on an
// alternative engine or fails the download for good.
func (s *Scheduler) retry(ctx context.Context, j *job, failed engine.Engine, attempt *download.Download, elapsed time.Duration, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	_, speed := s.measure(ctx, failed, attempt, elapsed)
	s.selector.RecordAttempt(failed.Name(), false, speed, elapsed)
	s.release(ctx, failed, attempt)

	transient := &download.TransientTransferError{Engine: failed.Name(), Err: cause}

	s.mu.Lock()
	j.d.FailureCount++
	j.d.LastError = transient.Error()
	failures := j.d.FailureCount
	s.mu.Unlock()

	if decide(failures, s.cfg.MaxRetryAttempts) == decisionTerminal {
		s.fail(ctx, j, &download.TerminalFailureError{
			DownloadID: attempt.ID,
			Attempts:   failures,
			Reason:     "retry attempts exhausted",
			Err:        transient,
		})

		return
	}

	wait := backoff(s.cfg.RetryBackoffBase, failures)

	backoffCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if j.canceled {
		s.mu.Unlock()
		cancel()

		return
	}

	j.state = stateBackoff
	j.cancel = cancel
	j.d.Transition(download.StatusQueued)
	snapshot := j.d.Clone()
	s.mu.Unlock()

	logger.WarnContext(ctx, "download failed, retrying",
		"engine", failed.Name(),
		"failure_count", failures,
		"backoff", wait.String(),
		"err", cause,
	)

	s.telemetry.RecordRetry(ctx, failed.Name())
	s.persist(ctx, snapshot)
	s.sink.Publish(ctx, download.NewEvent(download.EventDownloadRetrying, snapshot,
		fmt.Sprintf("attempt %d failed on %s, retrying in %s: %v", failures, failed.Name(), wait, cause)))

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		s.requeueAfter(backoffCtx, j, attempt.URL, failed, wait)
	}()
}

func (s *Scheduler) requeueAfter(ctx context.Context, j *job, rawURL string, failed engine.Engine, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	opts := []engine.SelectOption{engine.Exclude(failed.Name())}
	if s.cfg.ProbeAlternatives {
		opts = append(opts, engine.WithProbe())
	}

	next, err := s.selector.Select(ctx, rawURL, opts...)
	if err != nil {
		s.mu.Lock()
		id, attempts := j.d.ID, j.d.FailureCount
		s.mu.Unlock()

		s.fail(ctx, j, &download.TerminalFailureError{
			DownloadID: id,
			Attempts:   attempts,
			Reason:     "no alternative engine",
			Err:        err,
		})

		return
	}

	s.mu.Lock()
	if j.canceled || j.state != stateBackoff {
		s.mu.Unlock()

		return
	}

	j.engine = next
	j.d.Engine = next.Name()
	j.state = statePending
	s.pending = append(s.pending, j)
	s.rerank()

	depth := len(s.pending)
	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download requeued", "engine", next.Name(), "queue_length", depth)

	s.telemetry.RecordQueueDepth(ctx, depth)
	s.signal()
}

// fail moves j into its terminal Failed state.
func (s *Scheduler) fail(ctx context.Context, j *job, err error) {
	s.mu.Lock()
	if j.canceled || j.state == stateDone {
		s.mu.Unlock()

		return
	}

	j.state = stateDone
	j.d.LastError = err.Error()
	j.d.Transition(download.StatusFailed)
	s.retire(j)
	snapshot := j.d.Clone()
	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed", "err", err)

	s.persist(ctx, snapshot)
	s.sink.Publish(ctx, download.NewEvent(download.EventDownloadFailed, snapshot, err.Error()))
}

// release tells eng to drop what it still holds for d. A failure only leaves
// state behind on the engine, so it is logged.
func (s *Scheduler) release(ctx context.Context, eng engine.Engine, d *download.Download) {
	if err := eng.Release(ctx, d); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "engine failed to release download", "engine", eng.Name(), "err", err)
	}
}

// retire moves a terminal job out of the live set into the bounded history.
// Callers hold mu.
func (s *Scheduler) retire(j *job) {
	id := j.d.ID
	delete(s.jobs, id)

	if _, ok := s.finished[id]; !ok {
		s.history = append(s.history, id)
	}

	s.finished[id] = j.d.Clone()

	for len(s.history) > s.cfg.HistoryLimit {
		delete(s.finished, s.history[0])
		s.history = slices.Delete(s.history, 0, 1)
	}
}

// persist writes a snapshot to the repository. Failures are logged only: the
// in-memory state stays authoritative.
func (s *Scheduler) persist(ctx context.Context, snapshot *download.Download) {
	if s.repo == nil {
		return
	}

	if err := s.repo.Update(ctx, snapshot); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download",
			"download_id", snapshot.ID,
			"status", snapshot.Status.String(),
			"err", err,
		)
		s.telemetry.RecordSystemError(ctx, "scheduler", "persist")
	}
}

// lookup returns the live job for id. A finished download answers with an
// InvalidStateError for op. Callers hold mu.
func (s *Scheduler) lookup(id, op string, want download.Status) (*job, error) {
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}

	if d, ok := s.finished[id]; ok {
		return nil, &download.InvalidStateError{DownloadID: id, Operation: op, Status: d.Status, Want: want}
	}

	return nil, fmt.Errorf("download %s: %w", id, download.ErrNotFound)
}

// stored loads a finished download that already left the in-memory history.
func (s *Scheduler) stored(ctx context.Context, id string) (*download.Download, error) {
	notFound := fmt.Errorf("download %s: %w", id, download.ErrNotFound)

	if s.repo == nil {
		return nil, notFound
	}

	d, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, download.ErrNotFound) {
		return nil, notFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load download %s: %w", id, err)
	}

	if d.IsSegmented() || !d.Status.IsTerminal() {
		return nil, notFound
	}

	return d, nil
}

// Prioritize promotes a pending download to the High tier.
func (s *Scheduler) Prioritize(ctx context.Context, id string) error {
	s.mu.Lock()

	j, err := s.lookup(id, "prioritize", download.StatusQueued)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	if j.state != statePending && j.state != stateBackoff {
		s.mu.Unlock()

		return &download.InvalidStateError{DownloadID: id, Operation: "prioritize", Status: j.d.Status, Want: download.StatusQueued}
	}

	j.d.Priority = download.PriorityHigh
	j.d.UpdatedAt = s.now()
	s.rerank()

	snapshot := j.d.Clone()
	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download prioritized", "download_id", id)

	s.persist(ctx, snapshot)
	s.signal()

	return nil
}

// Cancel aborts a download. Pending downloads leave the queue; running ones
// are canceled on their engine.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()

	j, err := s.lookup(id, "cancel", download.StatusQueued)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	state := j.state
	eng := j.engine

	if state == statePending {
		s.pending = slices.DeleteFunc(s.pending, func(p *job) bool { return p == j })
	}

	j.canceled = true
	j.state = stateDone
	j.d.Transition(download.StatusCanceled)
	s.retire(j)

	cancel := j.cancel
	snapshot := j.d.Clone()
	depth := len(s.pending)
	s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	var engineErr error

	if state == stateRunning {
		if engineErr = eng.Cancel(ctx, snapshot); engineErr != nil {
			logger.ErrorContext(ctx, "engine failed to cancel download", "download_id", id, "engine", eng.Name(), "err", engineErr)
		}
	}

	if cancel != nil {
		cancel()
	}

	logger.InfoContext(ctx, "download canceled", "download_id", id)

	s.telemetry.RecordQueueDepth(ctx, depth)
	s.persist(ctx, snapshot)
	s.sink.Publish(ctx, download.NewEvent(download.EventDownloadCanceled, snapshot, ""))

	if engineErr != nil {
		return fmt.Errorf("download canceled, engine cleanup failed: %w", engineErr)
	}

	return nil
}

// running returns the job if it is currently executing with the given status.
func (s *Scheduler) running(id, op string, want download.Status) (*job, error) {
	j, err := s.lookup(id, op, want)
	if err != nil {
		return nil, err
	}

	if j.state != stateRunning || j.d.Status != want {
		return nil, &download.InvalidStateError{DownloadID: id, Operation: op, Status: j.d.Status, Want: want}
	}

	return j, nil
}

// Pause suspends a running download on its engine. It keeps its concurrency slot.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()

	j, err := s.running(id, "pause", download.StatusDownloading)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	eng := j.engine
	snapshot := j.d.Clone()
	s.mu.Unlock()

	if err := eng.Pause(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to pause download on %s: %w", eng.Name(), err)
	}

	return s.transitionRunning(ctx, j, download.StatusPaused)
}

// Resume continues a paused download on its engine.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()

	j, err := s.running(id, "resume", download.StatusPaused)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	eng := j.engine
	snapshot := j.d.Clone()
	s.mu.Unlock()

	if err := eng.Resume(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to resume download on %s: %w", eng.Name(), err)
	}

	return s.transitionRunning(ctx, j, download.StatusDownloading)
}

func (s *Scheduler) transitionRunning(ctx context.Context, j *job, status download.Status) error {
	s.mu.Lock()
	if j.state != stateRunning {
		s.mu.Unlock()

		return &download.InvalidStateError{DownloadID: j.d.ID, Operation: "update", Status: j.d.Status, Want: status}
	}

	j.d.Transition(status)
	snapshot := j.d.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)

	return nil
}

// Switch hands a running download over to another engine. The transfer
// continues on the new engine from the data the old one already fetched.
func (s *Scheduler) Switch(ctx context.Context, id string) (string, error) {
	s.mu.Lock()

	j, err := s.running(id, "switch", download.StatusDownloading)
	if err != nil {
		s.mu.Unlock()

		return "", err
	}

	current := j.engine
	snapshot := j.d.Clone()
	s.mu.Unlock()

	next, err := s.selector.Switch(ctx, current, snapshot)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if j.state != stateRunning || j.engine != current {
		s.mu.Unlock()

		return "", errors.New("download changed state during the engine switch")
	}

	j.engine = next
	j.d.Engine = next.Name()
	j.handoff = true

	cancel := j.cancel
	snapshot = j.d.Clone()
	s.mu.Unlock()

	// persisted before the old attempt stops, so its outcome is written last
	s.persist(ctx, snapshot)

	// stop the attempt on the old engine, the run loop picks up the new one
	if cancel != nil {
		cancel()
	}

	s.sink.Publish(ctx, download.NewEvent(download.EventEngineSwitched, snapshot,
		fmt.Sprintf("switched from %s to %s", current.Name(), next.Name())))

	return next.Name(), nil
}

// Get returns a snapshot of the download with the given id. Downloads that
// finished too long ago for the in-memory history are read from the repository.
func (s *Scheduler) Get(id string) (*download.Download, error) {
	s.mu.Lock()

	if j, ok := s.jobs[id]; ok {
		d := j.d.Clone()
		s.mu.Unlock()

		return d, nil
	}

	if d, ok := s.finished[id]; ok {
		d = d.Clone()
		s.mu.Unlock()

		return d, nil
	}

	s.mu.Unlock()

	return s.stored(context.Background(), id)
}

// Progress returns how far the download got on its current engine.
func (s *Scheduler) Progress(ctx context.Context, id string) (download.Progress, error) {
	s.mu.Lock()

	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()

		d, err := s.Get(id)
		if err != nil {
			return download.Progress{}, err
		}

		return finalProgress(d), nil
	}

	eng := j.engine
	snapshot := j.d.Clone()
	s.mu.Unlock()

	if !snapshot.Status.IsActive() {
		return finalProgress(snapshot), nil
	}

	return eng.Progress(ctx, snapshot)
}

// finalProgress reports a download that is not on an engine right now.
func finalProgress(d *download.Download) download.Progress {
	if d.Status == download.StatusCompleted {
		return download.Progress{Downloaded: d.TotalSize, Total: d.TotalSize}
	}

	return download.Progress{Total: d.TotalSize}
}

// List returns snapshots of every tracked download and the finished ones still
// in memory: pending ones in dispatch order, followed by the rest by creation
// time.
func (s *Scheduler) List() []*download.Download {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rerank()

	out := make([]*download.Download, 0, len(s.jobs)+len(s.finished))
	for _, j := range s.pending {
		out = append(out, j.d.Clone())
	}

	var rest []*download.Download

	for _, j := range s.jobs {
		if j.state != statePending {
			rest = append(rest, j.d.Clone())
		}
	}

	for _, d := range s.finished {
		rest = append(rest, d.Clone())
	}

	slices.SortFunc(rest, func(a, b *download.Download) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}

		return 0
	})

	return append(out, rest...)
}

// QueueLength returns the number of pending downloads.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Active returns the number of downloads currently running on an engine.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, j := range s.jobs {
		if j.state == stateRunning {
			n++
		}
	}

	return n
}
