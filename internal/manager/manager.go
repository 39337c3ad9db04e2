// Package manager owns the task collection: it allocates ids, plans chunk
// layouts, bounds how many engines run at once and routes lifecycle
// requests (start/pause/cancel/remove) to the right task.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/common"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/planner"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/store"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/task"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/transfer"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("task not found")

	// ErrManagerNotRunning is returned when an operation requires Init first.
	ErrManagerNotRunning = errors.New("manager is not running")

	// ErrInvalidState is returned when an operation is not valid for the
	// task's current status.
	ErrInvalidState = errors.New("operation not valid in current task state")

	// ErrTaskActive is returned when a start is refused because an engine
	// already owns the task.
	ErrTaskActive = errors.New("task already has an active engine")
)

// Config holds the manager's operational settings.
type Config struct {
	MaxConcurrentTransfers int
	SaveInterval           time.Duration
	AutoStart              bool
	Tier                   planner.Tier
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentTransfers: 3,
		SaveInterval:           30 * time.Second,
		AutoStart:              false,
		Tier:                   planner.TierFree,
	}
}

// AddRequest describes a new transfer to register.
type AddRequest struct {
	Name       string
	RemotePath string
	LocalPath  string
	Size       int64
	Direction  common.Direction
	Priority   int
}

type engineHandle struct {
	cancel      context.CancelFunc
	removeFiles bool
}

// Manager owns the task collection and the per-task engines. It performs
// no transfer I/O itself; side effects are observable only through task
// state changes and events.
type Manager struct {
	mu sync.RWMutex

	tasks   map[int64]*task.Task
	order   []int64
	handles map[int64]*engineHandle

	store    *store.Store
	provider provider.Provider
	config   *Config
	queue    *queueProcessor

	nextID int64

	subMu sync.RWMutex
	subs  []chan common.Event

	ctx        context.Context
	cancelFunc context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// New creates a manager with explicitly injected collaborators.
func New(config *Config, p provider.Provider, s *store.Store) *Manager {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		tasks:      make(map[int64]*task.Task),
		handles:    make(map[int64]*engineHandle),
		store:      s,
		provider:   p,
		config:     config,
		ctx:        ctx,
		cancelFunc: cancel,
		stopCh:     make(chan struct{}),
	}
}

// runTask runs a function in a goroutine tracked by the WaitGroup.
func (m *Manager) runTask(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Init restores persisted tasks and starts the dispatch machinery.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	logger.Infof("Initializing transfer manager")

	if err := m.loadTasks(); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	m.queue = newQueueProcessor(m.config.MaxConcurrentTransfers, m.executeTask, m.stopCh)

	m.runTask(func() { m.periodicSave(m.ctx) })

	queued := 0
	for _, id := range m.order {
		if m.tasks[id].GetStatus() == common.StatusQueued {
			m.queue.enqueue(id, m.tasks[id].Priority)
			queued++
		}
	}
	logger.Debugf("Re-enqueued %d previously queued task(s)", queued)

	m.running = true
	logger.Infof("Transfer manager running (max concurrent: %d, tier: %s)",
		m.config.MaxConcurrentTransfers, m.config.Tier)

	return nil
}

// loadTasks restores the task collection from the store. Tasks that were
// mid-transfer when the process died come back paused; their resume
// records carry the chunk progress.
func (m *Manager) loadTasks() error {
	tasks, err := m.store.FindAllTasks()
	if err != nil {
		return err
	}

	var maxID int64
	for _, t := range tasks {
		t.RestoreFromSerialization()

		if t.GetStatus() == common.StatusActive {
			t.SetStatus(common.StatusPaused)
			if err := m.store.SaveTask(t); err != nil {
				logger.Warnf("Failed to save restored task %d: %v", t.ID, err)
			}
		}

		m.tasks[t.ID] = t
		m.order = append(m.order, t.ID)
		if t.ID > maxID {
			maxID = t.ID
		}
	}

	atomic.StoreInt64(&m.nextID, maxID)
	logger.Infof("Loaded %d task(s) from store", len(tasks))

	return nil
}

// Add registers a new transfer task in the queued state. The chunk plan is
// computed here; a file over the tier limit never becomes a task.
func (m *Manager) Add(req AddRequest) (*task.Task, error) {
	if !m.isRunning() {
		return nil, ErrManagerNotRunning
	}

	if req.RemotePath == "" {
		return nil, errors.New("remote path is required")
	}
	if req.Direction == common.Upload && req.LocalPath == "" {
		return nil, errors.New("local path is required for uploads")
	}

	plan, err := planner.Compute(req.Size, m.config.Tier)
	if err != nil {
		return nil, fmt.Errorf("cannot plan transfer: %w", err)
	}

	id := atomic.AddInt64(&m.nextID, 1)
	t := task.New(id, req.Name, req.RemotePath, req.LocalPath, req.Size, req.Direction, plan)
	t.Priority = req.Priority

	if err := m.store.SaveTask(t); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	m.mu.Lock()
	m.tasks[id] = t
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.emit(common.Event{
		Type:      common.EventTaskCreated,
		TaskID:    id,
		NewStatus: common.StatusQueued,
		Timestamp: time.Now(),
	})

	logger.Infof("Added task %d: %s %s (%d bytes, %d chunk(s), direct=%v)",
		id, req.Direction, req.Name, req.Size, t.TotalChunks, t.Direct)

	if m.config.AutoStart {
		m.queue.enqueue(id, t.Priority)
	}

	return t, nil
}

// Get retrieves a task by id.
func (m *Manager) Get(id int64) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	return t, nil
}

// List returns tasks in insertion order, optionally filtered by direction.
func (m *Manager) List(direction *common.Direction) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*task.Task, 0, len(m.order))
	for _, id := range m.order {
		t := m.tasks[id]
		if direction != nil && t.Direction != *direction {
			continue
		}
		out = append(out, t)
	}

	return out
}

// Start queues a task for execution. Valid from Queued, Paused or Failed,
// and refused while the task already has an active engine. Starting a
// failed task retries it from the last acknowledged chunk.
func (m *Manager) Start(id int64) error {
	if !m.isRunning() {
		return ErrManagerNotRunning
	}

	t, err := m.Get(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	_, active := m.handles[id]
	m.mu.RUnlock()
	if active {
		return ErrTaskActive
	}

	if !t.CanStart() {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, common.StatusString(t.GetStatus()))
	}

	if old := t.GetStatus(); old == common.StatusPaused || old == common.StatusFailed {
		if old == common.StatusFailed {
			t.ClearError()
		}
		t.SetStatus(common.StatusQueued)
		m.emit(common.Event{
			Type:      common.EventStatusChanged,
			TaskID:    id,
			OldStatus: old,
			NewStatus: common.StatusQueued,
			Timestamp: time.Now(),
		})
	}

	m.queue.enqueue(id, t.Priority)

	return nil
}

// executeTask is the queue's dispatch target: it owns one engine run.
func (m *Manager) executeTask(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	// The task may have been paused or cancelled while waiting for a slot.
	if t.GetStatus() != common.StatusQueued {
		logger.Debugf("Skipping dispatch of task %d in state %s", id, common.StatusString(t.GetStatus()))
		return nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	handle := &engineHandle{cancel: cancel}

	m.mu.Lock()
	if _, exists := m.handles[id]; exists {
		m.mu.Unlock()
		cancel()
		return ErrTaskActive
	}
	m.handles[id] = handle
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.handles, id)
		removeFiles := handle.removeFiles
		m.mu.Unlock()

		if t.GetStatus() == common.StatusCancelled && removeFiles {
			m.discardArtifact(t)
		}
	}()

	engine := transfer.NewEngine(t, m.provider, m.store, m.emit)
	engine.Run(ctx)

	return nil
}

// Pause requests a graceful stop of an active task. The engine stops after
// the in-flight chunk completes.
func (m *Manager) Pause(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if t.GetStatus() != common.StatusActive {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, common.StatusString(t.GetStatus()))
	}

	t.SetStatus(common.StatusPaused)
	m.emit(common.Event{
		Type:      common.EventStatusChanged,
		TaskID:    id,
		OldStatus: common.StatusActive,
		NewStatus: common.StatusPaused,
		Progress:  t.Progress(),
		Timestamp: time.Now(),
	})

	logger.Infof("Pause requested for task %d", id)

	return nil
}

// Cancel moves a non-terminal task to its cancelled state and removes its
// resume record. removeFiles additionally discards a partial download
// artifact.
func (m *Manager) Cancel(id int64, removeFiles bool) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if t.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, common.StatusString(t.GetStatus()))
	}

	old := t.GetStatus()
	t.SetStatus(common.StatusCancelled)
	m.emit(common.Event{
		Type:      common.EventStatusChanged,
		TaskID:    id,
		OldStatus: old,
		NewStatus: common.StatusCancelled,
		Timestamp: time.Now(),
	})

	m.mu.Lock()
	handle, active := m.handles[id]
	if active {
		handle.removeFiles = removeFiles
	}
	m.mu.Unlock()

	// An active engine observes the status at the next chunk boundary and
	// cleans up itself; otherwise do it here.
	if !active {
		if err := m.store.DeleteRecord(id); err != nil {
			logger.Warnf("Failed to delete resume record for task %d: %v", id, err)
		}
		if err := m.store.SaveTask(t); err != nil {
			logger.Warnf("Failed to save cancelled task %d: %v", id, err)
		}
		if removeFiles {
			m.discardArtifact(t)
		}
	}

	logger.Infof("Task %d cancelled", id)

	return nil
}

// Remove deletes a task from the collection. Valid only from a terminal
// state; the resume record is deleted defensively.
func (m *Manager) Remove(id int64) error {
	t, err := m.Get(id)
	if err != nil {
		return err
	}

	if !t.IsTerminal() {
		return fmt.Errorf("%w: cannot remove from %s", ErrInvalidState, common.StatusString(t.GetStatus()))
	}

	if err := m.store.DeleteRecord(id); err != nil {
		logger.Warnf("Failed to delete resume record for task %d: %v", id, err)
	}
	if err := m.store.DeleteTask(id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	m.mu.Lock()
	delete(m.tasks, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	logger.Infof("Task %d removed", id)

	return nil
}

// discardArtifact deletes the partial local file of a cancelled download.
func (m *Manager) discardArtifact(t *task.Task) {
	if t.Direction != common.Download || t.LocalPath == "" {
		return
	}

	if err := os.Remove(t.LocalPath); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to remove partial file %s: %v", t.LocalPath, err)
	}
}

// Subscribe returns a channel of task events. Slow consumers miss events
// rather than blocking transfers.
func (m *Manager) Subscribe() <-chan common.Event {
	ch := make(chan common.Event, 64)

	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()

	return ch
}

func (m *Manager) emit(ev common.Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind, drop the event.
		}
	}
}

// GlobalStats aggregates statistics across all tasks.
func (m *Manager) GlobalStats() common.GlobalStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := common.GlobalStats{MaxConcurrent: m.config.MaxConcurrentTransfers}

	for _, t := range m.tasks {
		switch t.GetStatus() {
		case common.StatusActive:
			stats.ActiveTasks++
			stats.CurrentSpeed += t.Speed()
		case common.StatusQueued:
			stats.QueuedTasks++
		case common.StatusCompleted:
			stats.CompletedTasks++
		case common.StatusFailed, common.StatusCancelled:
			stats.FailedTasks++
		case common.StatusPaused:
			stats.PausedTasks++
		}

		stats.TotalBytes += int64(float64(t.Size) * t.Progress() / 100)
	}

	if stats.ActiveTasks > 0 {
		stats.AverageSpeed = stats.CurrentSpeed / int64(stats.ActiveTasks)
	}

	return stats
}

func (m *Manager) enginesDrained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.handles) == 0
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.running
}

// periodicSave persists all tasks on a ticker so stats survive a crash
// between chunk boundaries.
func (m *Manager) periodicSave(ctx context.Context) {
	interval := m.config.SaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.saveAllTasks()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) saveAllTasks() {
	m.mu.RLock()
	tasks := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.RUnlock()

	for _, t := range tasks {
		if err := m.store.SaveTask(t); err != nil {
			logger.Errorf("Failed to save task %d: %v", t.ID, err)
		}
	}
}

// Shutdown pauses active tasks, stops the dispatch loop and waits for
// engines to park themselves.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false

	activeIDs := make([]int64, 0)
	for id, t := range m.tasks {
		if t.GetStatus() == common.StatusActive {
			activeIDs = append(activeIDs, id)
		}
	}
	m.mu.Unlock()

	logger.Infof("Shutting down: pausing %d active task(s)", len(activeIDs))
	for _, id := range activeIDs {
		if err := m.Pause(id); err != nil {
			logger.Errorf("Error pausing task %d: %v", id, err)
		}
	}

	close(m.stopCh)
	m.cancelFunc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	waitChan := make(chan struct{})
	go func() {
		m.wg.Wait()
		for !m.enginesDrained() {
			select {
			case <-shutdownCtx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		close(waitChan)
	}()

	select {
	case <-waitChan:
		logger.Infof("All engines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warnf("Shutdown timed out, some engines may not have stopped")
	}

	m.saveAllTasks()

	m.subMu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.subMu.Unlock()

	logger.Infof("Transfer manager shutdown complete")

	return nil
}
