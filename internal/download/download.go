package download

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a download.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusQueued       Status = "queued"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true once the download will not transition anymore.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// IsActive returns true while an engine is working on the download.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusPaused
}

// Priority is the admission tier requested for a download.
type Priority int

const (
	PriorityDefault Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
)

// Base returns the tier base used by the priority score.
func (p Priority) Base() int {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 50
	case PriorityLow:
		return 10
	default:
		return 25
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "default"
	}
}

// ParsePriority converts a tier name into a Priority. Empty input maps to PriorityDefault.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "", "default":
		return PriorityDefault, nil
	}

	return PriorityDefault, fmt.Errorf("unknown priority %q", s)
}

const (
	maxWaitBonus   = 60
	failurePenalty = 10
)

// Score ranks a pending download: tier base, plus one point per minute queued
// (capped at 60), minus 10 points per recorded failure.
func Score(p Priority, queuedFor time.Duration, failures int) int {
	wait := int(queuedFor / time.Minute)
	if wait < 0 {
		wait = 0
	}

	if wait > maxWaitBonus {
		wait = maxWaitBonus
	}

	return p.Base() + wait - failurePenalty*failures
}

// Download is a single logical transfer from a source URL to a destination path.
type Download struct {
	ID           string
	URL          string
	Destination  string
	Status       Status
	Priority     Priority
	QueuedAt     time.Time
	Engine       string
	FailureCount int
	TotalSize    int64
	Segments     []*Segment
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// New creates a download in the initializing state.
func New(url, destination string, priority Priority) *Download {
	now := time.Now()

	return &Download{
		ID:          uuid.New().String(),
		URL:         url,
		Destination: destination,
		Status:      StatusInitializing,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Score returns the current priority score of the download at the given instant.
func (d *Download) Score(now time.Time) int {
	return Score(d.Priority, now.Sub(d.QueuedAt), d.FailureCount)
}

// IsSegmented returns true when the download was split into byte ranges.
func (d *Download) IsSegmented() bool {
	return len(d.Segments) > 0
}

// Transition moves the download to the given status and stamps UpdatedAt.
func (d *Download) Transition(s Status) {
	d.Status = s
	d.UpdatedAt = time.Now()

	if s == StatusCompleted {
		d.CompletedAt = d.UpdatedAt
	}
}

// Clone returns a deep copy that is safe to hand to observers.
func (d *Download) Clone() *Download {
	if d == nil {
		return nil
	}

	c := *d
	if d.Segments != nil {
		c.Segments = make([]*Segment, len(d.Segments))
		for i, s := range d.Segments {
			sc := *s
			c.Segments[i] = &sc
		}
	}

	return &c
}

// Progress is a point-in-time view of how far a transfer went.
type Progress struct {
	Downloaded int64
	Total      int64
	Speed      float64 // bytes per second
}

// Fraction returns the completed fraction in [0,1], or 0 if the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}

	f := float64(p.Downloaded) / float64(p.Total)
	if f > 1 {
		return 1
	}

	return f
}
