// Package enginetest provides a scriptable engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
)

// Byte returns the deterministic content byte the fake serves at offset.
func Byte(offset int64) byte {
	return byte(offset % 251)
}

// Content returns the deterministic content of a resource of the given size.
func Content(size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = Byte(int64(i))
	}

	return b
}

// Fake is an in-memory engine. Zero values give a compatible engine for
// http and https whose operations succeed instantly.
type Fake struct {
	EngineName    string
	Schemes       []string
	URLPriority   float64
	PartialResume bool
	Segments      bool

	Perf    engine.Performance
	PerfErr error

	Size    int64
	SizeErr error

	StartFunc   func(ctx context.Context, d *download.Download) error
	SegmentFunc func(ctx context.Context, parent *download.Download, seg *download.Segment) error
	ResumeErr   error
	ReleaseErr  error

	mu    sync.Mutex
	calls map[string][]string
}

func (f *Fake) record(op, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = make(map[string][]string)
	}

	f.calls[op] = append(f.calls[op], id)
}

// Calls returns the ids passed to op, in call order.
func (f *Fake) Calls(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return slices.Clone(f.calls[op])
}

func (f *Fake) Name() string {
	return f.EngineName
}

func (f *Fake) schemes() []string {
	if len(f.Schemes) == 0 {
		return []string{"http", "https"}
	}

	return f.Schemes
}

func (f *Fake) Capabilities() engine.Capabilities {
	return &engine.StaticCapabilities{
		Engine:          f.EngineName,
		Schemes:         f.schemes(),
		DefaultPriority: f.URLPriority,
		PartialResume: func(*download.Download) bool {
			return f.PartialResume
		},
	}
}

func (f *Fake) CanHandleProtocol(rawURL string) bool {
	return slices.Contains(f.schemes(), engine.Scheme(rawURL))
}

func (f *Fake) StartDownload(ctx context.Context, d *download.Download) error {
	f.record("start", d.ID)

	if f.StartFunc != nil {
		return f.StartFunc(ctx, d)
	}

	return nil
}

func (f *Fake) Pause(_ context.Context, d *download.Download) error {
	f.record("pause", d.ID)

	return nil
}

func (f *Fake) Resume(_ context.Context, d *download.Download) error {
	f.record("resume", d.ID)

	return f.ResumeErr
}

func (f *Fake) Cancel(_ context.Context, d *download.Download) error {
	f.record("cancel", d.ID)

	return nil
}

func (f *Fake) Release(_ context.Context, d *download.Download) error {
	f.record("release", d.ID)

	return f.ReleaseErr
}

func (f *Fake) Progress(_ context.Context, d *download.Download) (download.Progress, error) {
	return download.Progress{Total: d.TotalSize}, nil
}

func (f *Fake) TestPerformance(_ context.Context, rawURL string) (engine.Performance, error) {
	f.record("probe", rawURL)

	return f.Perf, f.PerfErr
}

// DownloadSegment writes the deterministic content of the segment range.
func (f *Fake) DownloadSegment(ctx context.Context, parent *download.Download, seg *download.Segment) error {
	f.record("segment", fmt.Sprintf("%s/%d", parent.ID, seg.Index))

	if f.SegmentFunc != nil {
		return f.SegmentFunc(ctx, parent, seg)
	}

	if err := os.MkdirAll(filepath.Dir(seg.TempPath), 0o755); err != nil {
		return err
	}

	b := make([]byte, 0, seg.Length())
	for off := seg.Start; off <= seg.End; off++ {
		b = append(b, Byte(off))
	}

	return os.WriteFile(seg.TempPath, b, 0o644)
}

func (f *Fake) SupportsSegments() bool {
	return f.Segments
}

func (f *Fake) ContentLength(_ context.Context, _ string) (int64, error) {
	return f.Size, f.SizeErr
}
