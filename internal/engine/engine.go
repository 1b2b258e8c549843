package engine

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/italolelis/dlmanager/internal/download"
)

// Performance is the result of a lightweight test fetch against a URL.
type Performance struct {
	Speed     float64 // bytes per second
	Stability float64 // 0-1, how consistent the throughput was
}

// Capabilities reports what an engine supports for a given URL or download.
type Capabilities interface {
	SupportsProtocol(scheme string) bool
	// Priority returns a 0-1 hint of how well suited the engine is for url.
	Priority(rawURL string) float64
	CanPartiallyResume(d *download.Download) bool
}

// Engine is a pluggable transfer backend.
type Engine interface {
	Name() string
	Capabilities() Capabilities

	// StartDownload transfers d to its destination and blocks until the
	// transfer finished, failed or ctx was canceled.
	StartDownload(ctx context.Context, d *download.Download) error
	Pause(ctx context.Context, d *download.Download) error
	Resume(ctx context.Context, d *download.Download) error
	Cancel(ctx context.Context, d *download.Download) error
	// Release drops whatever the engine still holds for d after the download
	// left it, through a failed attempt or an engine switch. Data already
	// written to the destination stays in place.
	Release(ctx context.Context, d *download.Download) error
	Progress(ctx context.Context, d *download.Download) (download.Progress, error)

	CanHandleProtocol(rawURL string) bool
	TestPerformance(ctx context.Context, rawURL string) (Performance, error)

	// DownloadSegment fetches the byte range of seg into seg.TempPath.
	DownloadSegment(ctx context.Context, parent *download.Download, seg *download.Segment) error
}

// SizeProber determines the content length of a URL.
type SizeProber interface {
	ContentLength(ctx context.Context, rawURL string) (int64, error)
}

// SegmentFetcher is implemented by engines that can fetch byte ranges.
type SegmentFetcher interface {
	SupportsSegments() bool
}

// SupportsSegments reports whether e can serve DownloadSegment calls.
func SupportsSegments(e Engine) bool {
	sf, ok := e.(SegmentFetcher)

	return ok && sf.SupportsSegments()
}

// Scheme returns the lower-cased scheme of rawURL, or "" if it cannot be parsed.
func Scheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	return strings.ToLower(u.Scheme)
}

// StaticCapabilities is a Capabilities implementation driven by a fixed list of
// schemes and the URL rules of the engine.
type StaticCapabilities struct {
	Engine          string
	Schemes         []string
	Rules           *Rules
	DefaultPriority float64
	// PartialResume decides whether a download can be paused on this engine and
	// continued elsewhere. Nil means never.
	PartialResume func(d *download.Download) bool
}

func (c *StaticCapabilities) SupportsProtocol(scheme string) bool {
	return slices.Contains(c.Schemes, strings.ToLower(scheme))
}

func (c *StaticCapabilities) Priority(rawURL string) float64 {
	return c.Rules.Priority(c.Engine, rawURL, c.DefaultPriority)
}

func (c *StaticCapabilities) CanPartiallyResume(d *download.Download) bool {
	if c.PartialResume == nil {
		return false
	}

	return c.PartialResume(d)
}
