package download

import "time"

// EventType tags a QueueEvent.
type EventType string

const (
	EventEnqueued          EventType = "enqueued"
	EventEnqueueFailed     EventType = "enqueue_failed"
	EventDownloadStarted   EventType = "download_started"
	EventDownloadCompleted EventType = "download_completed"
	EventDownloadFailed    EventType = "download_failed"
	EventDownloadRetrying  EventType = "download_retrying"
	EventDownloadCanceled  EventType = "download_canceled"
	EventEngineSwitched    EventType = "engine_switched"
)

// QueueEvent notifies observers about a state change of a download.
// Download is a snapshot taken when the event was emitted.
type QueueEvent struct {
	Type     EventType
	Download *Download
	Message  string
	At       time.Time
}

// NewEvent builds an event carrying a snapshot of d.
func NewEvent(t EventType, d *Download, msg string) QueueEvent {
	return QueueEvent{
		Type:     t,
		Download: d.Clone(),
		Message:  msg,
		At:       time.Now(),
	}
}
