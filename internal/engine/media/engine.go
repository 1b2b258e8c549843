// Package media implements a transfer engine for video and audio sites using
// the yt-dlp command line tool.
package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/engine"
	"github.com/italolelis/dlmanager/internal/logctx"
)

const (
	EngineName = "media"

	defaultFormat    = "bestvideo*+bestaudio/best"
	defaultPriority  = 0.1
	sitePriority     = 0.95
	progressInterval = 500 * time.Millisecond
)

// DefaultDomains are the sites the engine accepts when no domains are configured.
var DefaultDomains = []string{
	"youtube.com", "youtu.be", "vimeo.com", "soundcloud.com",
	"twitch.tv", "dailymotion.com", "bandcamp.com",
}

// Runner executes one yt-dlp download and reports progress while it runs.
type Runner func(ctx context.Context, rawURL, output, format string, onProgress func(download.Progress)) error

type Options struct {
	Format  string
	Domains []string
	Rules   *engine.Rules
	// Runner overrides how yt-dlp is invoked. Default: the yt-dlp binary on PATH.
	Runner Runner
}

// Engine downloads media pages through yt-dlp.
type Engine struct {
	format  string
	domains []string
	run     Runner
	caps    *engine.StaticCapabilities

	mu     sync.Mutex
	active map[string]*job
}

type job struct {
	cancel   context.CancelFunc
	progress download.Progress
}

var _ engine.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	e := &Engine{
		format:  opts.Format,
		domains: opts.Domains,
		run:     opts.Runner,
		active:  make(map[string]*job),
	}

	if e.format == "" {
		e.format = defaultFormat
	}

	if len(e.domains) == 0 {
		e.domains = DefaultDomains
	}

	if e.run == nil {
		e.run = runYtdlp
	}

	rules := opts.Rules
	if rules == nil || len(rules.Engines[EngineName].Domains) == 0 {
		rules = siteRules(rules, e.domains)
	}

	e.caps = &engine.StaticCapabilities{
		Engine:          EngineName,
		Schemes:         []string{"http", "https"},
		Rules:           rules,
		DefaultPriority: defaultPriority,
	}

	return e
}

// siteRules returns a copy of base where the media engine prefers its own sites.
func siteRules(base *engine.Rules, domains []string) *engine.Rules {
	out := &engine.Rules{Engines: make(map[string]engine.RuleSet)}

	if base != nil {
		for name, set := range base.Engines {
			out.Engines[name] = set
		}
	}

	set := out.Engines[EngineName]
	set.Domains = make(map[string]float64, len(domains))

	for _, d := range domains {
		set.Domains[d] = sitePriority
	}

	out.Engines[EngineName] = set

	return out
}

func runYtdlp(ctx context.Context, rawURL, output, format string, onProgress func(download.Progress)) error {
	dl := ytdlp.New().
		NoPlaylist().
		Format(format).
		Output(output)

	dl.ProgressFunc(progressInterval, func(update ytdlp.ProgressUpdate) {
		p := download.Progress{
			Downloaded: int64(update.DownloadedBytes),
			Total:      int64(update.TotalBytes),
		}

		if !update.Started.IsZero() {
			if elapsed := time.Since(update.Started).Seconds(); elapsed > 0 {
				p.Speed = float64(update.DownloadedBytes) / elapsed
			}
		}

		onProgress(p)
	})

	if _, err := dl.Run(ctx, rawURL); err != nil {
		return fmt.Errorf("yt-dlp failed: %w", err)
	}

	return nil
}

func (e *Engine) Name() string {
	return EngineName
}

func (e *Engine) Capabilities() engine.Capabilities {
	return e.caps
}

// CanHandleProtocol accepts http(s) URLs on one of the configured media sites.
func (e *Engine) CanHandleProtocol(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}

	host := strings.ToLower(u.Hostname())

	for _, d := range e.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	return false
}

func (e *Engine) StartDownload(ctx context.Context, d *download.Download) error {
	logger := logctx.LoggerFromContext(ctx).With("engine", EngineName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	j := &job{cancel: cancel}

	e.mu.Lock()
	e.active[d.ID] = j
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.active[d.ID] == j {
			delete(e.active, d.ID)
		}
		e.mu.Unlock()
	}()

	logger.InfoContext(ctx, "starting yt-dlp", "target", d.Destination, "format", e.format)

	err := e.run(ctx, d.URL, d.Destination, e.format, func(p download.Progress) {
		e.mu.Lock()
		j.progress = p
		e.mu.Unlock()
	})
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "media downloaded", "target", d.Destination)

	return nil
}

// Pause is not supported: yt-dlp runs as a single process per download.
func (e *Engine) Pause(context.Context, *download.Download) error {
	return download.ErrUnsupported
}

// Resume adopts a download this engine is not running yet.
func (e *Engine) Resume(_ context.Context, d *download.Download) error {
	e.mu.Lock()
	_, running := e.active[d.ID]
	e.mu.Unlock()

	if running {
		return download.ErrUnsupported
	}

	return nil
}

func (e *Engine) Cancel(_ context.Context, d *download.Download) error {
	e.mu.Lock()
	j, ok := e.active[d.ID]
	e.mu.Unlock()

	if ok {
		j.cancel()
	}

	return nil
}

func (e *Engine) Release(context.Context, *download.Download) error {
	return nil
}

func (e *Engine) Progress(_ context.Context, d *download.Download) (download.Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.active[d.ID]
	if !ok {
		return download.Progress{}, fmt.Errorf("no media job for %s: %w", d.ID, download.ErrNotFound)
	}

	return j.progress, nil
}

func (e *Engine) TestPerformance(context.Context, string) (engine.Performance, error) {
	return engine.Performance{}, download.ErrUnsupported
}

func (e *Engine) DownloadSegment(context.Context, *download.Download, *download.Segment) error {
	return download.ErrUnsupported
}
