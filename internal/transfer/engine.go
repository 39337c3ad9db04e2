// Package transfer contains the engine that drives one task through its
// chunk sequence: deciding what to move next, talking to the remote API,
// updating task state and persisting resume records so an interrupted
// transfer continues exactly where it left off.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/common"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/store"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/task"
)

// Engine executes a single task end-to-end. One engine instance owns one
// task for the duration of a run; the manager guarantees no two engines
// ever run the same task concurrently.
type Engine struct {
	task     *task.Task
	provider provider.Provider
	store    *store.Store
	emit     func(common.Event)
}

// NewEngine wires an engine for one task. emit may be nil.
func NewEngine(t *task.Task, p provider.Provider, s *store.Store, emit func(common.Event)) *Engine {
	if emit == nil {
		emit = func(common.Event) {}
	}

	return &Engine{task: t, provider: p, store: s, emit: emit}
}

// Run drives the task until it reaches a terminal state or an external
// pause/cancel is observed. Expected failures never escape as errors; they
// resolve to task state plus an error string.
func (e *Engine) Run(ctx context.Context) {
	t := e.task

	e.setStatus(common.StatusActive)
	t.MarkStarted()

	logger.Infof("Engine starting task %d (%s %s, %d bytes, %d chunks)",
		t.ID, t.Direction, t.Name, t.Size, t.TotalChunks)

	switch t.Direction {
	case common.Download:
		e.runDownload(ctx)
	default:
		e.runUpload(ctx)
	}

	e.saveTask()
}

func (e *Engine) runUpload(ctx context.Context) {
	t := e.task

	file, err := os.Open(t.LocalPath)
	if err != nil {
		e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "open", Err: err})
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "stat", Err: err})
		return
	}
	if info.Size() != t.Size {
		e.fail(fmt.Errorf("local file changed: size %d, task expects %d", info.Size(), t.Size))
		return
	}

	if t.Direct {
		if err := e.provider.DirectUpload(ctx, t.LocalPath, t.RemotePath); err != nil {
			e.fail(err)
			return
		}
		e.complete()

		return
	}

	e.adoptResumeRecord()

	if t.GetUploadID() == "" {
		uploadID, err := e.provider.Precreate(ctx, t.RemotePath, t.Size, t.ChunkSize, t.TotalChunks)
		if err != nil {
			e.fail(err)
			return
		}
		t.SetUploadID(uploadID)
		e.persistRecord()
	}

	buf := make([]byte, t.ChunkSize)

	for index := t.GetCurrentChunk(); index < t.TotalChunks; index++ {
		if stopped := e.checkInterrupt(ctx); stopped {
			return
		}

		if t.IsChunkComplete(index) {
			// A resume record's current_chunk can lag its completed
			// set; skip the send but keep the bookkeeping moving.
			t.SkipChunk(index)
			e.emitProgress()

			continue
		}

		offset, length := t.ChunkRange(index)
		if _, err := io.ReadFull(io.NewSectionReader(file, offset, length), buf[:length]); err != nil {
			e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "read", Err: err})
			return
		}

		start := time.Now()
		if err := e.provider.UploadSlice(ctx, t.RemotePath, t.GetUploadID(), index, t.TotalChunks, buf[:length]); err != nil {
			e.fail(fmt.Errorf("chunk %d: %w", index, err))
			return
		}

		t.MarkChunkComplete(index, length, time.Since(start))
		e.persistRecord()
		e.emitProgress()
	}

	if !t.AllChunksComplete() {
		e.fail(fmt.Errorf("chunk accounting mismatch: %d of %d complete", t.CompletedCount(), t.TotalChunks))
		return
	}

	// Finalize failures keep the resume record so the assembly call can
	// be retried without re-uploading any slice.
	if err := e.provider.Finalize(ctx, t.RemotePath, t.GetUploadID(), t.Size); err != nil {
		e.fail(err)
		return
	}

	e.complete()
}

func (e *Engine) runDownload(ctx context.Context) {
	t := e.task

	file, err := os.OpenFile(t.LocalPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "open", Err: err})
		return
	}
	defer file.Close()

	if t.Direct {
		data, err := e.provider.ReadRange(ctx, t.RemotePath, 0, t.Size)
		if err != nil {
			e.fail(err)
			return
		}
		if _, err := file.WriteAt(data, 0); err != nil {
			e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "write", Err: err})
			return
		}
		e.complete()

		return
	}

	e.adoptResumeRecord()
	e.persistRecord()

	for index := t.GetCurrentChunk(); index < t.TotalChunks; index++ {
		if stopped := e.checkInterrupt(ctx); stopped {
			return
		}

		if t.IsChunkComplete(index) {
			t.SkipChunk(index)
			e.emitProgress()

			continue
		}

		offset, length := t.ChunkRange(index)

		start := time.Now()
		data, err := e.provider.ReadRange(ctx, t.RemotePath, offset, length)
		if err != nil {
			e.fail(fmt.Errorf("chunk %d: %w", index, err))
			return
		}

		if _, err := file.WriteAt(data, offset); err != nil {
			e.fail(&provider.LocalIOError{Path: t.LocalPath, Op: "write", Err: err})
			return
		}

		t.MarkChunkComplete(index, length, time.Since(start))
		e.persistRecord()
		e.emitProgress()
	}

	if !t.AllChunksComplete() {
		e.fail(fmt.Errorf("chunk accounting mismatch: %d of %d complete", t.CompletedCount(), t.TotalChunks))
		return
	}

	e.complete()
}

// adoptResumeRecord installs any stored progress whose identity matches the
// task. A record for a different size or chunk size is stale and ignored.
func (e *Engine) adoptResumeRecord() {
	t := e.task

	rec, err := e.store.LoadRecord(t.ID)
	if err != nil {
		logger.Warnf("Failed to load resume record for task %d: %v", t.ID, err)
		return
	}
	if rec == nil {
		return
	}

	if rec.Size != t.Size || rec.ChunkSize != t.ChunkSize {
		logger.Warnf("Resume record for task %d does not match (size %d/%d, chunk %d/%d), starting fresh",
			t.ID, rec.Size, t.Size, rec.ChunkSize, t.ChunkSize)
		return
	}

	t.AdoptResume(rec.UploadID, rec.CurrentChunk, rec.CompletedChunks)
	logger.Infof("Task %d resumed at chunk %d with %d chunk(s) already acknowledged",
		t.ID, t.GetCurrentChunk(), t.CompletedCount())
}

// checkInterrupt handles pause/cancel signals observed at a chunk boundary.
// It returns true when the loop must stop. No chunk is ever left half-sent:
// the check happens only between chunks.
func (e *Engine) checkInterrupt(ctx context.Context) bool {
	t := e.task

	if ctx.Err() != nil && t.GetStatus() == common.StatusActive {
		// Shutdown: park the task so it resumes on the next run.
		e.setStatus(common.StatusPaused)
	}

	switch t.GetStatus() {
	case common.StatusActive:
		return false
	case common.StatusPaused:
		logger.Infof("Task %d paused at chunk %d", t.ID, t.GetCurrentChunk())
		e.persistRecord()
		return true
	case common.StatusCancelled:
		logger.Infof("Task %d cancelled at chunk %d", t.ID, t.GetCurrentChunk())
		e.deleteRecord()
		return true
	default:
		return true
	}
}

func (e *Engine) complete() {
	t := e.task

	t.MarkCompleted()
	e.deleteRecord()
	e.emit(common.Event{
		Type:      common.EventStatusChanged,
		TaskID:    t.ID,
		OldStatus: common.StatusActive,
		NewStatus: common.StatusCompleted,
		Progress:  100,
		Timestamp: time.Now(),
	})

	logger.Infof("Task %d completed (%s %s)", t.ID, t.Direction, t.Name)
}

func (e *Engine) fail(err error) {
	t := e.task

	// A pause or cancel can land while a chunk is in flight. The chunk's
	// failure must not overwrite the requested state.
	switch t.GetStatus() {
	case common.StatusCancelled:
		e.deleteRecord()
		return
	case common.StatusPaused:
		if !t.Direct && (t.Direction == common.Download || t.GetUploadID() != "") {
			e.persistRecord()
		}
		return
	}

	// A provider call aborted by context cancellation is a shutdown, not a
	// transfer failure. Park the task so it resumes on the next run.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.setStatus(common.StatusPaused)
		if !t.Direct && (t.Direction == common.Download || t.GetUploadID() != "") {
			e.persistRecord()
		}
		logger.Infof("Task %d interrupted by shutdown, parked for resume", t.ID)

		return
	}

	t.SetError(err)
	e.setStatus(common.StatusFailed)
	e.emit(common.Event{
		Type:      common.EventTaskError,
		TaskID:    t.ID,
		NewStatus: common.StatusFailed,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})

	// The resume record stays behind on failure; it is the recovery
	// vehicle for the next start call. Uploads only get one once a
	// session exists.
	if !t.Direct && (t.Direction == common.Download || t.GetUploadID() != "") {
		e.persistRecord()
	}

	var authErr *provider.AuthError
	if errors.As(err, &authErr) {
		logger.Errorf("Task %d failed on credentials: %v", t.ID, err)
		return
	}

	logger.Errorf("Task %d failed: %v", t.ID, err)
}

func (e *Engine) setStatus(status common.Status) {
	t := e.task

	old := t.GetStatus()
	if old == status {
		return
	}
	t.SetStatus(status)

	e.emit(common.Event{
		Type:      common.EventStatusChanged,
		TaskID:    t.ID,
		OldStatus: old,
		NewStatus: status,
		Progress:  t.Progress(),
		Timestamp: time.Now(),
	})
}

func (e *Engine) emitProgress() {
	t := e.task

	e.emit(common.Event{
		Type:      common.EventProgress,
		TaskID:    t.ID,
		NewStatus: t.GetStatus(),
		Progress:  t.Progress(),
		Speed:     t.Speed(),
		Timestamp: time.Now(),
	})
}

func (e *Engine) persistRecord() {
	t := e.task

	rec := &store.ResumeRecord{
		TaskID:          t.ID,
		UploadID:        t.GetUploadID(),
		Size:            t.Size,
		ChunkSize:       t.ChunkSize,
		TotalChunks:     t.TotalChunks,
		CurrentChunk:    t.GetCurrentChunk(),
		CompletedChunks: t.CompletedSnapshot(),
		LocalPath:       t.LocalPath,
		RemotePath:      t.RemotePath,
	}

	if err := e.store.SaveRecord(rec); err != nil {
		logger.Errorf("Failed to persist resume record for task %d: %v", t.ID, err)
	}
}

func (e *Engine) deleteRecord() {
	if err := e.store.DeleteRecord(e.task.ID); err != nil {
		logger.Errorf("Failed to delete resume record for task %d: %v", e.task.ID, err)
	}
}

func (e *Engine) saveTask() {
	if err := e.store.SaveTask(e.task); err != nil {
		logger.Errorf("Failed to save task %d: %v", e.task.ID, err)
	}
}
