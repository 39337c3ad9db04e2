package common

// Status is the lifecycle state of a transfer task. It is stored as an
// int32 so task code can use atomic loads and stores on it.
type Status = int32

const (
	StatusQueued Status = iota
	StatusActive
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// StatusString returns a human-readable name for a status value.
func StatusString(s Status) string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether a task in this status has come to rest.
// Settled tasks may be removed; of these, only a failed task may run
// again, by an explicit start that retries from its resume record.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction indicates whether a task moves bytes to or from the remote account.
type Direction int32

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	if d == Download {
		return "download"
	}
	return "upload"
}
