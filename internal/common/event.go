package common

import "time"

// EventType identifies the kind of change an Event describes.
type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventStatusChanged EventType = "status_changed"
	EventProgress      EventType = "progress"
	EventTaskError     EventType = "task_error"
)

// Event is a notification emitted by the transfer engine or manager when a
// task changes. Delivery is at-least-once per change; consumers must
// tolerate duplicate notifications for the same state.
type Event struct {
	Type      EventType
	TaskID    int64
	OldStatus Status
	NewStatus Status
	Progress  float64 // percent, 0..100
	Speed     int64   // bytes/sec
	Error     string
	Timestamp time.Time
}
