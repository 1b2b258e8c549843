package progress

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// percentStep makes the reader report every time another 10% of the total was read.
const percentStep = 10

// Reader wraps an io.Reader and reports progress via a callback. Written and
// Speed are safe to call while another goroutine reads.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64 // bytes
	onProgress func(written int64, total int64)

	written     atomic.Int64
	sinceReport int64
	start       time.Time
}

// NewReader creates a progress reader. A nil callback disables reporting.
func NewReader(r io.Reader, total int64, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: cb,
		start:      time.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 {
		return n, err
	}

	before := pr.written.Load()
	after := pr.written.Add(int64(n))
	pr.sinceReport += int64(n)

	if pr.onProgress == nil {
		return n, err
	}

	crossedStep := pr.total > 0 && after*100/pr.total/percentStep > before*100/pr.total/percentStep
	if (pr.interval > 0 && pr.sinceReport >= pr.interval) || crossedStep {
		pr.onProgress(after, pr.total)
		pr.sinceReport = 0
	}

	return n, err
}

// Written returns the number of bytes read so far.
func (pr *Reader) Written() int64 {
	return pr.written.Load()
}

// Total returns the expected size, or a value <= 0 if unknown.
func (pr *Reader) Total() int64 {
	return pr.total
}

// Speed returns the average throughput in bytes per second since the reader was created.
func (pr *Reader) Speed() float64 {
	elapsed := time.Since(pr.start).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(pr.Written()) / elapsed
}

// LogFunc returns a progress callback that logs through the context logger.
func LogFunc(ctx context.Context, logger *slog.Logger, target string) func(written int64, total int64) {
	return func(written int64, total int64) {
		if total > 0 {
			logger.InfoContext(ctx, "download progress",
				"target", target,
				"downloaded", humanize.IBytes(uint64(written)),
				"total", humanize.IBytes(uint64(total)),
				"percent", float64(written)*100/float64(total),
			)

			return
		}

		logger.InfoContext(ctx, "download progress", "target", target, "downloaded", humanize.IBytes(uint64(written)))
	}
}
