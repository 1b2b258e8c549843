package engine

import (
	"context"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

// InstrumentedEngine wraps an engine with telemetry.
type InstrumentedEngine struct {
	Engine
	telemetry *telemetry.Telemetry
}

// NewInstrumentedEngine creates a new instrumented engine.
func NewInstrumentedEngine(e Engine, t *telemetry.Telemetry) *InstrumentedEngine {
	return &InstrumentedEngine{
		Engine:    e,
		telemetry: t,
	}
}

// Unwrap returns the wrapped engine.
func (e *InstrumentedEngine) Unwrap() Engine {
	return e.Engine
}

func (e *InstrumentedEngine) StartDownload(ctx context.Context, d *download.Download) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "start_download", func(ctx context.Context) error {
		return e.Engine.StartDownload(ctx, d)
	})
}

func (e *InstrumentedEngine) Pause(ctx context.Context, d *download.Download) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "pause", func(ctx context.Context) error {
		return e.Engine.Pause(ctx, d)
	})
}

func (e *InstrumentedEngine) Resume(ctx context.Context, d *download.Download) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "resume", func(ctx context.Context) error {
		return e.Engine.Resume(ctx, d)
	})
}

func (e *InstrumentedEngine) Cancel(ctx context.Context, d *download.Download) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "cancel", func(ctx context.Context) error {
		return e.Engine.Cancel(ctx, d)
	})
}

func (e *InstrumentedEngine) Release(ctx context.Context, d *download.Download) error {
	return e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "release", func(ctx context.Context) error {
		return e.Engine.Release(ctx, d)
	})
}

func (e *InstrumentedEngine) TestPerformance(ctx context.Context, rawURL string) (Performance, error) {
	var perf Performance

	err := e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "test_performance", func(ctx context.Context) error {
		var err error
		perf, err = e.Engine.TestPerformance(ctx, rawURL)

		return err
	})

	return perf, err
}

func (e *InstrumentedEngine) DownloadSegment(ctx context.Context, parent *download.Download, seg *download.Segment) error {
	err := e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "download_segment", func(ctx context.Context) error {
		return e.Engine.DownloadSegment(ctx, parent, seg)
	})

	status := "completed"
	if err != nil {
		status = "failed"
	}

	e.telemetry.RecordSegment(ctx, e.Name(), status)

	return err
}

// SupportsSegments reports whether the wrapped engine can fetch byte ranges.
func (e *InstrumentedEngine) SupportsSegments() bool {
	return SupportsSegments(e.Engine)
}

// ContentLength delegates to the wrapped engine when it can probe sizes.
func (e *InstrumentedEngine) ContentLength(ctx context.Context, rawURL string) (int64, error) {
	prober, ok := e.Engine.(SizeProber)
	if !ok {
		return 0, download.ErrUnsupported
	}

	var size int64

	err := e.telemetry.InstrumentEngineOperation(ctx, e.Name(), "content_length", func(ctx context.Context) error {
		var err error
		size, err = prober.ContentLength(ctx, rawURL)

		return err
	})

	return size, err
}
