package engine

import (
	"sort"
	"sync"
	"time"
)

const (
	successWeight  = 0.5
	speedWeight    = 0.3
	durationWeight = 0.2

	// coldHistorical is used for engines that never ran an attempt.
	coldHistorical = 0.5
)

// PerformanceRecord is the rolling performance of one engine.
type PerformanceRecord struct {
	Engine             string        `json:"engine"`
	TotalAttempts      int64         `json:"total_attempts"`
	SuccessfulAttempts int64         `json:"successful_attempts"`
	AvgSpeed           float64       `json:"avg_speed"`
	AvgDuration        time.Duration `json:"avg_duration"`
	// AvgSuccess is the running mean of the success indicator (1 or 0).
	AvgSuccess float64 `json:"avg_success"`
	// Score is the 0-100 historical score relative to the other engines.
	Score float64 `json:"score"`
}

// SuccessRate returns successful attempts over total attempts.
func (r PerformanceRecord) SuccessRate() float64 {
	if r.TotalAttempts == 0 {
		return 0
	}

	return float64(r.SuccessfulAttempts) / float64(r.TotalAttempts)
}

type trackerEntry struct {
	mu  sync.Mutex
	rec PerformanceRecord
}

// Tracker holds the performance records of all engines. Updates to one engine
// are serialized by a per-engine lock so the cumulative means never lose an attempt.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*trackerEntry
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*trackerEntry)}
}

func (t *Tracker) entry(name string) *trackerEntry {
	t.mu.RLock()
	e, ok := t.records[name]
	t.mu.RUnlock()

	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok = t.records[name]; ok {
		return e
	}

	e = &trackerEntry{rec: PerformanceRecord{Engine: name}}
	t.records[name] = e

	return e
}

// Record folds one attempt into the engine's running means using the exact
// cumulative mean: avg = (avg*(n-1) + v) / n.
func (t *Tracker) Record(name string, success bool, speed float64, duration time.Duration) {
	e := t.entry(name)

	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.rec
	r.TotalAttempts++

	if success {
		r.SuccessfulAttempts++
	}

	n := float64(r.TotalAttempts)
	indicator := 0.0

	if success {
		indicator = 1
	}

	r.AvgSpeed = (r.AvgSpeed*(n-1) + speed) / n
	r.AvgDuration = time.Duration((float64(r.AvgDuration)*(n-1) + float64(duration)) / n)
	r.AvgSuccess = (r.AvgSuccess*(n-1) + indicator) / n
}

// Get returns a copy of the engine's record.
func (t *Tracker) Get(name string) PerformanceRecord {
	t.mu.RLock()
	e, ok := t.records[name]
	t.mu.RUnlock()

	if !ok {
		return PerformanceRecord{Engine: name}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rec
}

// Historical scores each named engine in [0,1]: 50% success rate, 30% speed
// relative to the fastest engine, 20% duration relative to the quickest one.
// Engines without attempts get a neutral score.
func (t *Tracker) Historical(names []string) map[string]float64 {
	records := make([]PerformanceRecord, 0, len(names))
	for _, n := range names {
		records = append(records, t.Get(n))
	}

	var (
		maxSpeed    float64
		minDuration time.Duration
	)

	for _, r := range records {
		if r.TotalAttempts == 0 {
			continue
		}

		if r.AvgSpeed > maxSpeed {
			maxSpeed = r.AvgSpeed
		}

		if r.AvgDuration > 0 && (minDuration == 0 || r.AvgDuration < minDuration) {
			minDuration = r.AvgDuration
		}
	}

	scores := make(map[string]float64, len(records))

	for _, r := range records {
		if r.TotalAttempts == 0 {
			scores[r.Engine] = coldHistorical

			continue
		}

		speedNorm := 0.0
		if maxSpeed > 0 {
			speedNorm = r.AvgSpeed / maxSpeed
		}

		durationNorm := 1.0
		if r.AvgDuration > 0 && minDuration > 0 {
			durationNorm = float64(minDuration) / float64(r.AvgDuration)
		}

		scores[r.Engine] = successWeight*r.SuccessRate() + speedWeight*speedNorm + durationWeight*durationNorm
	}

	return scores
}

// Snapshot returns all records sorted by engine name with Score filled in.
func (t *Tracker) Snapshot() []PerformanceRecord {
	t.mu.RLock()
	names := make([]string, 0, len(t.records))
	for n := range t.records {
		names = append(names, n)
	}
	t.mu.RUnlock()

	sort.Strings(names)

	scores := t.Historical(names)
	out := make([]PerformanceRecord, 0, len(names))

	for _, n := range names {
		r := t.Get(n)
		r.Score = scores[n] * 100
		out = append(out, r)
	}

	return out
}
