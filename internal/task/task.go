package task

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/common"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/planner"
)

// Task represents one upload or download job against the remote account.
// Exported fields are the persisted form; runtime state lives in the
// unexported fields and is rebuilt by RestoreFromSerialization.
type Task struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	RemotePath  string           `json:"remote_path"`
	LocalPath   string           `json:"local_path,omitempty"`
	Size        int64            `json:"size"`
	Direction   common.Direction `json:"direction"`
	Status      common.Status    `json:"status"`
	Priority    int              `json:"priority"`
	ChunkSize   int64            `json:"chunk_size"`
	TotalChunks int              `json:"total_chunks"`
	Direct      bool             `json:"direct"`

	CurrentChunk    int    `json:"current_chunk"`
	CompletedChunks []int  `json:"completed_chunks"`
	UploadID        string `json:"upload_session_id,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`

	// runtime fields
	mu        sync.RWMutex
	completed map[int]struct{}
	progress  float64
	speedCalc *SpeedCalculator
}

// New creates a task in the queued state from a computed transfer plan.
func New(id int64, name, remotePath, localPath string, size int64, direction common.Direction, plan planner.Plan) *Task {
	return &Task{
		ID:          id,
		Name:        name,
		RemotePath:  remotePath,
		LocalPath:   localPath,
		Size:        size,
		Direction:   direction,
		Status:      common.StatusQueued,
		ChunkSize:   plan.ChunkSize,
		TotalChunks: plan.TotalChunks,
		Direct:      plan.Direct,
		CreatedAt:   time.Now(),
		completed:   make(map[int]struct{}),
		speedCalc:   NewSpeedCalculator(5),
	}
}

// SetStatus sets the status of the task.
func (t *Task) SetStatus(status common.Status) {
	atomic.StoreInt32(&t.Status, status)
}

// GetStatus returns the current status of the task.
func (t *Task) GetStatus() common.Status {
	return atomic.LoadInt32(&t.Status)
}

// IsTerminal reports whether the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return common.IsTerminal(t.GetStatus())
}

// CanStart reports whether Start is a valid operation right now. Queued,
// paused and failed tasks may (re)enter the chunk loop; a failed task
// retries from its last acknowledged chunk via the resume record.
func (t *Task) CanStart() bool {
	s := t.GetStatus()
	return s == common.StatusQueued || s == common.StatusPaused || s == common.StatusFailed
}

// GetCurrentChunk returns the next chunk index the engine should attempt.
func (t *Task) GetCurrentChunk() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.CurrentChunk
}

// IsChunkComplete reports whether the given chunk index has already been
// acknowledged by the remote.
func (t *Task) IsChunkComplete(index int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.completed[index]
	return ok
}

// CompletedCount returns how many chunks have been acknowledged.
func (t *Task) CompletedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.completed)
}

// AllChunksComplete reports whether every chunk index has been acknowledged.
func (t *Task) AllChunksComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.completed) == t.TotalChunks
}

// MarkChunkComplete records a remote acknowledgment for the given chunk and
// updates progress and speed bookkeeping. CurrentChunk never moves backward.
func (t *Task) MarkChunkComplete(index int, bytes int64, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed[index] = struct{}{}
	if index+1 > t.CurrentChunk {
		t.CurrentChunk = index + 1
	}
	t.progress = float64(len(t.completed)) / float64(t.TotalChunks) * 100
	t.speedCalc.AddSample(bytes, elapsed)
}

// SkipChunk advances bookkeeping past a chunk that was already complete
// when the task was resumed, without recording a new speed sample.
func (t *Task) SkipChunk(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index+1 > t.CurrentChunk {
		t.CurrentChunk = index + 1
	}
	t.progress = float64(len(t.completed)) / float64(t.TotalChunks) * 100
}

// Progress returns the completion percentage in [0,100].
func (t *Task) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.progress
}

// Speed returns the instantaneous transfer speed in bytes per second.
func (t *Task) Speed() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.speedCalc == nil {
		return 0
	}

	return t.speedCalc.GetSpeed()
}

// SetUploadID records the session handle returned by precreate. The handle
// is set at most once for the lifetime of the task.
func (t *Task) SetUploadID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.UploadID != "" {
		logger.Warnf("Task %d already has upload session %s, ignoring %s", t.ID, t.UploadID, id)
		return
	}
	t.UploadID = id
}

// GetUploadID returns the upload session handle, or "" before precreate.
func (t *Task) GetUploadID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.UploadID
}

// AdoptResume installs state recovered from a resume record: session
// handle, next chunk index and the acknowledged-chunk set.
func (t *Task) AdoptResume(uploadID string, currentChunk int, completed []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.UploadID == "" {
		t.UploadID = uploadID
	}
	if currentChunk > t.CurrentChunk {
		t.CurrentChunk = currentChunk
	}

	for _, idx := range completed {
		if idx >= 0 && idx < t.TotalChunks {
			t.completed[idx] = struct{}{}
		}
	}
	if t.TotalChunks > 0 {
		t.progress = float64(len(t.completed)) / float64(t.TotalChunks) * 100
	}
}

// CompletedSnapshot returns a sorted copy of the acknowledged chunk set.
func (t *Task) CompletedSnapshot() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]int, 0, len(t.completed))
	for idx := range t.completed {
		out = append(out, idx)
	}
	sort.Ints(out)

	return out
}

// MarkStarted stamps the first time the task entered a transfer run.
func (t *Task) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.StartTime.IsZero() {
		t.StartTime = time.Now()
	}
}

// MarkCompleted moves the task to its successful terminal state.
func (t *Task) MarkCompleted() {
	t.mu.Lock()
	t.progress = 100
	t.EndTime = time.Now()
	t.ErrorMessage = ""
	t.mu.Unlock()

	t.SetStatus(common.StatusCompleted)
}

// SetError records the failure reason on the task.
func (t *Task) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.ErrorMessage = err.Error()
	}
}

// ClearError drops the recorded failure reason before a retry.
func (t *Task) ClearError() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ErrorMessage = ""
}

// GetError returns the recorded failure reason, or nil.
func (t *Task) GetError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.ErrorMessage == "" {
		return nil
	}

	return errors.New(t.ErrorMessage)
}

// persistedTask mirrors Task's stored fields; snapshotting into it lets a
// save marshal without copying the task's lock.
type persistedTask struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	RemotePath  string           `json:"remote_path"`
	LocalPath   string           `json:"local_path,omitempty"`
	Size        int64            `json:"size"`
	Direction   common.Direction `json:"direction"`
	Status      common.Status    `json:"status"`
	Priority    int              `json:"priority"`
	ChunkSize   int64            `json:"chunk_size"`
	TotalChunks int              `json:"total_chunks"`
	Direct      bool             `json:"direct"`

	CurrentChunk    int    `json:"current_chunk"`
	CompletedChunks []int  `json:"completed_chunks"`
	UploadID        string `json:"upload_session_id,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// PrepareForSerialization returns the task's stored form as JSON. The
// snapshot is taken under the task lock so a concurrent save never races
// an engine updating progress.
func (t *Task) PrepareForSerialization() ([]byte, error) {
	status := t.GetStatus()

	t.mu.Lock()

	completed := make([]int, 0, len(t.completed))
	for idx := range t.completed {
		completed = append(completed, idx)
	}
	sort.Ints(completed)
	t.CompletedChunks = completed

	snap := persistedTask{
		ID:          t.ID,
		Name:        t.Name,
		RemotePath:  t.RemotePath,
		LocalPath:   t.LocalPath,
		Size:        t.Size,
		Direction:   t.Direction,
		Status:      status,
		Priority:    t.Priority,
		ChunkSize:   t.ChunkSize,
		TotalChunks: t.TotalChunks,
		Direct:      t.Direct,

		CurrentChunk:    t.CurrentChunk,
		CompletedChunks: completed,
		UploadID:        t.UploadID,
		ErrorMessage:    t.ErrorMessage,

		CreatedAt: t.CreatedAt,
		StartTime: t.StartTime,
		EndTime:   t.EndTime,
	}

	t.mu.Unlock()

	return json.Marshal(&snap)
}

// RestoreFromSerialization rebuilds runtime state after loading the task
// from storage.
func (t *Task) RestoreFromSerialization() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed = make(map[int]struct{}, len(t.CompletedChunks))
	for _, idx := range t.CompletedChunks {
		if idx >= 0 && idx < t.TotalChunks {
			t.completed[idx] = struct{}{}
		}
	}
	if t.TotalChunks > 0 {
		t.progress = float64(len(t.completed)) / float64(t.TotalChunks) * 100
	}
	if t.GetStatus() == common.StatusCompleted {
		t.progress = 100
	}
	t.speedCalc = NewSpeedCalculator(5)

	logger.Debugf("Task %d restored: status=%s, chunks=%d/%d",
		t.ID, common.StatusString(t.GetStatus()), len(t.completed), t.TotalChunks)
}

// ChunkRange returns the byte range [offset, offset+length) covered by the
// given chunk index.
func (t *Task) ChunkRange(index int) (offset, length int64) {
	offset = int64(index) * t.ChunkSize
	length = t.ChunkSize
	if offset+length > t.Size {
		length = t.Size - offset
	}

	return offset, length
}
