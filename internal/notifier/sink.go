// Package notifier fans queue events out to observers: the log, in-process
// channels and an optional chat webhook.
package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/logctx"
)

// EventSink receives every queue event. Publish must not block the caller for long.
type EventSink interface {
	Publish(ctx context.Context, ev download.QueueEvent)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev download.QueueEvent)

func (f SinkFunc) Publish(ctx context.Context, ev download.QueueEvent) {
	f(ctx, ev)
}

// Dispatcher logs every event and forwards terminal outcomes to a Notifier.
type Dispatcher struct {
	notifier Notifier
	sinks    []EventSink
}

// NewDispatcher creates a dispatcher. A nil notifier only logs.
func NewDispatcher(n Notifier, sinks ...EventSink) *Dispatcher {
	return &Dispatcher{notifier: n, sinks: sinks}
}

func (d *Dispatcher) Publish(ctx context.Context, ev download.QueueEvent) {
	logger := logctx.LoggerFromContext(ctx)

	attrs := []any{"event", string(ev.Type)}
	if ev.Download != nil {
		attrs = append(attrs, "download_id", ev.Download.ID, "engine", ev.Download.Engine)
	}

	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	switch ev.Type {
	case download.EventEnqueueFailed, download.EventDownloadFailed:
		logger.ErrorContext(ctx, "download event", attrs...)
	case download.EventDownloadRetrying:
		logger.WarnContext(ctx, "download event", attrs...)
	default:
		logger.InfoContext(ctx, "download event", attrs...)
	}

	for _, s := range d.sinks {
		s.Publish(ctx, ev)
	}

	if d.notifier == nil {
		return
	}

	msg, ok := notification(ev)
	if !ok {
		return
	}

	// the webhook must not hold up the scheduler
	go func() {
		if err := d.notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
			logger.ErrorContext(ctx, "failed to send notification", "err", err)
		}
	}()
}

func notification(ev download.QueueEvent) (string, bool) {
	if ev.Download == nil {
		return "", false
	}

	switch ev.Type {
	case download.EventDownloadCompleted:
		size := ""
		if ev.Download.TotalSize > 0 {
			size = " (" + humanize.IBytes(uint64(ev.Download.TotalSize)) + ")"
		}

		return fmt.Sprintf("✅ Download finished: %s%s", ev.Download.Destination, size), true
	case download.EventDownloadFailed:
		return fmt.Sprintf("❌ Download failed: %s: %s", ev.Download.URL, ev.Message), true
	case download.EventEnqueueFailed:
		return fmt.Sprintf("❌ Download rejected: %s: %s", ev.Download.URL, ev.Message), true
	}

	return "", false
}

// ChannelSink exposes events on a buffered channel. Events are dropped when the
// buffer is full.
type ChannelSink struct {
	ch chan download.QueueEvent

	mu      sync.Mutex
	closed  bool
	dropped int
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan download.QueueEvent, buffer)}
}

func (s *ChannelSink) Events() <-chan download.QueueEvent {
	return s.ch
}

func (s *ChannelSink) Publish(ctx context.Context, ev download.QueueEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped++
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "event dropped, observer is too slow", "event", string(ev.Type))
	}
}

// Dropped returns how many events did not fit into the buffer.
func (s *ChannelSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dropped
}

// Close closes the events channel. Later events are discarded.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
