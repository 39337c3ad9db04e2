package common

// GlobalStats contains aggregated statistics across all transfer tasks.
type GlobalStats struct {
	ActiveTasks    int
	QueuedTasks    int
	CompletedTasks int
	FailedTasks    int
	PausedTasks    int
	TotalBytes     int64
	CurrentSpeed   int64
	AverageSpeed   int64
	MaxConcurrent  int
}
