package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

const (
	coldURLWeight    = 0.6
	coldHistWeight   = 0.4
	probedURLWeight  = 0.2
	probedPerfWeight = 0.8

	probeSpeedWeight     = 0.7
	probeStabilityWeight = 0.3

	// failedProbeScore deprioritizes an engine whose probe failed without
	// removing it from the candidates.
	failedProbeScore = 0.05

	defaultProbeTimeout = 15 * time.Second
)

// Selector picks the engine that serves a URL.
type Selector struct {
	engines      []Engine
	preferred    string
	tracker      *Tracker
	telemetry    *telemetry.Telemetry
	probeTimeout time.Duration
}

// Option configures a Selector.
type Option func(*Selector)

// WithPreferred makes name win every selection it is compatible with.
func WithPreferred(name string) Option {
	return func(s *Selector) {
		s.preferred = name
	}
}

// WithTracker shares a performance tracker with the selector.
func WithTracker(t *Tracker) Option {
	return func(s *Selector) {
		s.tracker = t
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Selector) {
		s.telemetry = t
	}
}

// WithProbeTimeout bounds every performance probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Selector) {
		s.probeTimeout = d
	}
}

// NewSelector creates a selector over engines. Registration order breaks ties.
func NewSelector(engines []Engine, opts ...Option) *Selector {
	s := &Selector{
		engines:      slices.Clone(engines),
		probeTimeout: defaultProbeTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.tracker == nil {
		s.tracker = NewTracker()
	}

	return s
}

type selectOptions struct {
	exclude []string
	probe   bool
	filter  func(Engine) bool
}

// SelectOption tunes a single selection.
type SelectOption func(*selectOptions)

// Exclude removes the named engines from the candidates.
func Exclude(names ...string) SelectOption {
	return func(o *selectOptions) {
		o.exclude = append(o.exclude, names...)
	}
}

// WithProbe runs a live performance probe on every candidate.
func WithProbe() SelectOption {
	return func(o *selectOptions) {
		o.probe = true
	}
}

// Where keeps only the candidates accepted by fn.
func Where(fn func(Engine) bool) SelectOption {
	return func(o *selectOptions) {
		o.filter = fn
	}
}

// Engines returns the registered engines in registration order.
func (s *Selector) Engines() []Engine {
	return slices.Clone(s.engines)
}

// Engine returns the registered engine with the given name.
func (s *Selector) Engine(name string) (Engine, bool) {
	for _, e := range s.engines {
		if e.Name() == name {
			return e, true
		}
	}

	return nil, false
}

func (s *Selector) Tracker() *Tracker {
	return s.tracker
}

// Compatible returns the engines able to serve rawURL, in registration order.
func (s *Selector) Compatible(rawURL string, opts ...SelectOption) []Engine {
	var o selectOptions
	for _, opt := range opts {
		opt(&o)
	}

	return s.compatible(rawURL, o)
}

func (s *Selector) compatible(rawURL string, o selectOptions) []Engine {
	scheme := Scheme(rawURL)

	var out []Engine

	for _, e := range s.engines {
		if slices.Contains(o.exclude, e.Name()) {
			continue
		}

		if !e.CanHandleProtocol(rawURL) || !e.Capabilities().SupportsProtocol(scheme) {
			continue
		}

		if o.filter != nil && !o.filter(e) {
			continue
		}

		out = append(out, e)
	}

	return out
}

// Select returns the best engine for rawURL.
func (s *Selector) Select(ctx context.Context, rawURL string, opts ...SelectOption) (Engine, error) {
	var o selectOptions
	for _, opt := range opts {
		opt(&o)
	}

	candidates := s.compatible(rawURL, o)
	if len(candidates) == 0 {
		return nil, &download.NoCompatibleEngineError{URL: rawURL, Excluded: o.exclude}
	}

	logger := logctx.LoggerFromContext(ctx)

	if s.preferred != "" {
		for _, e := range candidates {
			if e.Name() == s.preferred {
				s.telemetry.RecordEngineSelection(ctx, e.Name(), "preferred")
				logger.DebugContext(ctx, "preferred engine selected", "engine", e.Name())

				return e, nil
			}
		}
	}

	scores := s.score(ctx, rawURL, candidates, o.probe)

	best := 0
	for i := range candidates {
		if scores[i] > scores[best] {
			best = i
		}
	}

	mode := "cold"
	if o.probe {
		mode = "probed"
	}

	chosen := candidates[best]

	s.telemetry.RecordEngineSelection(ctx, chosen.Name(), mode)
	logger.DebugContext(ctx, "engine selected",
		"engine", chosen.Name(),
		"score", scores[best],
		"mode", mode,
		"candidates", len(candidates),
	)

	return chosen, nil
}

func (s *Selector) score(ctx context.Context, rawURL string, candidates []Engine, probe bool) []float64 {
	names := make([]string, len(candidates))
	for i, e := range candidates {
		names[i] = e.Name()
	}

	hist := s.tracker.Historical(names)
	scores := make([]float64, len(candidates))

	if !probe {
		for i, e := range candidates {
			scores[i] = coldURLWeight*e.Capabilities().Priority(rawURL) + coldHistWeight*hist[e.Name()]
		}

		return scores
	}

	live := s.probe(ctx, rawURL, candidates)

	for i, e := range candidates {
		perf := live[i]
		if s.tracker.Get(e.Name()).TotalAttempts > 0 {
			perf = 0.5*hist[e.Name()] + 0.5*live[i]
		}

		scores[i] = probedURLWeight*e.Capabilities().Priority(rawURL) + probedPerfWeight*perf
	}

	return scores
}

// probe runs TestPerformance on every candidate concurrently and returns a
// live score in [0,1] per candidate.
func (s *Selector) probe(ctx context.Context, rawURL string, candidates []Engine) []float64 {
	results := make([]Performance, len(candidates))
	failed := make([]bool, len(candidates))

	g, gctx := errgroup.WithContext(ctx)

	for i, e := range candidates {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, s.probeTimeout)
			defer cancel()

			perf, err := e.TestPerformance(pctx, rawURL)
			if err != nil {
				logctx.LoggerFromContext(ctx).DebugContext(ctx, "engine probe failed", "engine", e.Name(), "err", err)

				failed[i] = true

				return nil
			}

			results[i] = perf

			return nil
		})
	}

	_ = g.Wait()

	var maxSpeed float64

	for i, r := range results {
		if !failed[i] && r.Speed > maxSpeed {
			maxSpeed = r.Speed
		}
	}

	live := make([]float64, len(candidates))

	for i, r := range results {
		if failed[i] {
			live[i] = failedProbeScore

			continue
		}

		speedNorm := 0.0
		if maxSpeed > 0 {
			speedNorm = r.Speed / maxSpeed
		}

		live[i] = max(failedProbeScore, probeSpeedWeight*speedNorm+probeStabilityWeight*clamp01(r.Stability))
	}

	return live
}

// RecordAttempt feeds one completed or failed attempt into the tracker.
func (s *Selector) RecordAttempt(name string, success bool, speed float64, duration time.Duration) {
	s.tracker.Record(name, success, speed, duration)
}

// Switch hands a running download over from current to another compatible
// engine. The switch is denied, leaving the transfer untouched, when current
// cannot partially resume d or no alternative exists.
func (s *Selector) Switch(ctx context.Context, current Engine, d *download.Download) (Engine, error) {
	logger := logctx.LoggerFromContext(ctx)

	if !current.Capabilities().CanPartiallyResume(d) {
		s.telemetry.RecordEngineSwitch(ctx, current.Name(), "", "denied")

		return nil, &download.EngineSwitchDeniedError{
			Engine:     current.Name(),
			DownloadID: d.ID,
			Reason:     "partial resume not supported",
		}
	}

	next, err := s.Select(ctx, d.URL, Exclude(current.Name()))
	if err != nil {
		s.telemetry.RecordEngineSwitch(ctx, current.Name(), "", "denied")

		return nil, &download.EngineSwitchDeniedError{
			Engine:     current.Name(),
			DownloadID: d.ID,
			Reason:     "no alternative engine",
			Err:        err,
		}
	}

	progress, err := current.Progress(ctx, d)
	if err != nil {
		logger.DebugContext(ctx, "could not read progress before switch", "engine", current.Name(), "err", err)
	}

	if err := current.Pause(ctx, d); err != nil {
		s.telemetry.RecordEngineSwitch(ctx, current.Name(), next.Name(), "error")

		return nil, fmt.Errorf("failed to pause download on %s: %w", current.Name(), err)
	}

	if err := next.Resume(ctx, d); err != nil {
		if rerr := current.Resume(ctx, d); rerr != nil {
			logger.ErrorContext(ctx, "failed to restore download after switch error", "engine", current.Name(), "err", rerr)
		}

		s.telemetry.RecordEngineSwitch(ctx, current.Name(), next.Name(), "error")

		return nil, fmt.Errorf("failed to resume download on %s: %w", next.Name(), err)
	}

	elapsed := time.Duration(0)
	if !d.QueuedAt.IsZero() {
		elapsed = time.Since(d.QueuedAt)
	}

	s.RecordAttempt(current.Name(), false, progress.Speed, elapsed)
	s.RecordAttempt(next.Name(), true, progress.Speed, elapsed)

	d.Engine = next.Name()

	s.telemetry.RecordEngineSwitch(ctx, current.Name(), next.Name(), "success")
	logger.InfoContext(ctx, "engine switched", "from", current.Name(), "to", next.Name())

	return next, nil
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}
