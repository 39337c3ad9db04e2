package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/common"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/planner"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/provider"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/store"
	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/task"
)

// stubProvider is a minimal provider whose direct uploads can be held open
// to keep an engine pinned on a task, and whose slice uploads can be
// programmed to fail.
type stubProvider struct {
	mu sync.Mutex

	directs    int
	reads      int
	precreates int
	sliceCalls []int
	failSlice  map[int]error
	failOnce   map[int]bool
	block      chan struct{} // when non-nil, DirectUpload waits on it
	remote     []byte
}

func (p *stubProvider) Precreate(ctx context.Context, remotePath string, size, chunkSize int64, totalChunks int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.precreates++
	return "session-1", nil
}

func (p *stubProvider) UploadSlice(ctx context.Context, remotePath, uploadID string, index, totalChunks int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failSlice[index]; ok {
		if p.failOnce[index] {
			delete(p.failSlice, index)
		}
		return err
	}

	p.sliceCalls = append(p.sliceCalls, index)
	return nil
}

func (p *stubProvider) Finalize(ctx context.Context, remotePath, uploadID string, size int64) error {
	return nil
}

func (p *stubProvider) DirectUpload(ctx context.Context, localPath, remotePath string) error {
	p.mu.Lock()
	p.directs++
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (p *stubProvider) ReadRange(ctx context.Context, remotePath string, offset, length int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reads++
	if offset+length > int64(len(p.remote)) {
		return nil, errors.New("range out of bounds")
	}

	return append([]byte(nil), p.remote[offset:offset+length]...), nil
}

func newTestManager(t *testing.T, p *stubProvider) (*Manager, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &Config{
		MaxConcurrentTransfers: 2,
		SaveInterval:           time.Hour,
		Tier:                   planner.TierFree,
	}

	m := New(cfg, p, s)
	if err := m.Init(); err != nil {
		t.Fatalf("failed to init manager: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })

	return m, s
}

// writeLocal creates a small file and returns its path. Small files take the
// direct path, which keeps these tests off the chunk machinery.
func writeLocal(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "file.bin")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	return path
}

func addUpload(t *testing.T, m *Manager, name string, size int) *task.Task {
	t.Helper()

	tk, err := m.Add(AddRequest{
		Name:       name,
		RemotePath: "/remote/" + name,
		LocalPath:  writeLocal(t, size),
		Size:       int64(size),
		Direction:  common.Upload,
	})
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	return tk
}

func waitForStatus(t *testing.T, tk *task.Task, want common.Status) {
	t.Helper()

	deadline := time.After(3 * time.Second)
	for {
		if tk.GetStatus() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s, task is %s (err: %v)",
				common.StatusString(want), common.StatusString(tk.GetStatus()), tk.GetError())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAddAssignsIncreasingIDs(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})

	a := addUpload(t, m, "a.bin", 100)
	b := addUpload(t, m, "b.bin", 100)

	if b.ID <= a.ID {
		t.Errorf("ids must increase: %d then %d", a.ID, b.ID)
	}
	if a.GetStatus() != common.StatusQueued {
		t.Errorf("new tasks start queued, got %s", common.StatusString(a.GetStatus()))
	}
}

func TestAddValidation(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})

	if _, err := m.Add(AddRequest{LocalPath: "/tmp/x", Size: 10, Direction: common.Upload}); err == nil {
		t.Error("expected error for missing remote path")
	}
	if _, err := m.Add(AddRequest{RemotePath: "/r/x", Size: 10, Direction: common.Upload}); err == nil {
		t.Error("expected error for upload without local path")
	}

	// Over the free tier limit.
	limit, err := planner.MaxFileSize(planner.TierFree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	over := limit + 1
	if _, err := m.Add(AddRequest{Name: "big", RemotePath: "/r/big", LocalPath: "/tmp/big", Size: over, Direction: common.Upload}); err == nil {
		t.Error("expected error for file over tier limit")
	}
}

func TestListInsertionOrderAndFilter(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})

	a := addUpload(t, m, "a.bin", 10)
	dl, err := m.Add(AddRequest{
		Name:       "d.bin",
		RemotePath: "/remote/d.bin",
		LocalPath:  filepath.Join(t.TempDir(), "d.bin"),
		Size:       10,
		Direction:  common.Download,
	})
	if err != nil {
		t.Fatalf("failed to add download: %v", err)
	}
	b := addUpload(t, m, "b.bin", 10)

	all := m.List(nil)
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != a.ID || all[1].ID != dl.ID || all[2].ID != b.ID {
		t.Errorf("list must follow insertion order, got %d,%d,%d", all[0].ID, all[1].ID, all[2].ID)
	}

	down := common.Download
	filtered := m.List(&down)
	if len(filtered) != 1 || filtered[0].ID != dl.ID {
		t.Errorf("direction filter returned wrong tasks: %v", filtered)
	}
}

func TestStartRunsTaskToCompletion(t *testing.T) {
	p := &stubProvider{}
	m, s := newTestManager(t, p)

	tk := addUpload(t, m, "a.bin", 100)
	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	waitForStatus(t, tk, common.StatusCompleted)

	p.mu.Lock()
	directs := p.directs
	p.mu.Unlock()
	if directs != 1 {
		t.Errorf("expected 1 direct upload, got %d", directs)
	}

	// Completion must be persisted.
	stored, err := s.FindTask(tk.ID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if stored.Status != common.StatusCompleted {
		t.Errorf("stored status is %s", common.StatusString(stored.Status))
	}
}

func TestStartRefusedWhileEngineActive(t *testing.T) {
	p := &stubProvider{block: make(chan struct{})}
	m, _ := newTestManager(t, p)

	tk := addUpload(t, m, "a.bin", 100)
	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusActive)

	if err := m.Start(tk.ID); !errors.Is(err, ErrTaskActive) && !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected start to be refused, got %v", err)
	}

	close(p.block)
	waitForStatus(t, tk, common.StatusCompleted)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	p := &stubProvider{}
	m, _ := newTestManager(t, p)

	tk := addUpload(t, m, "a.bin", 100)
	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusCompleted)

	if err := m.Start(tk.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("start on completed task: got %v", err)
	}
	if err := m.Pause(tk.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pause on completed task: got %v", err)
	}
	if err := m.Cancel(tk.ID, false); !errors.Is(err, ErrInvalidState) {
		t.Errorf("cancel on completed task: got %v", err)
	}
	if tk.GetStatus() != common.StatusCompleted {
		t.Errorf("status changed to %s", common.StatusString(tk.GetStatus()))
	}

	cancelled := addUpload(t, m, "b.bin", 100)
	if err := m.Cancel(cancelled.ID, false); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if err := m.Start(cancelled.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("start on cancelled task: got %v", err)
	}
}

func TestStartResumesFailedTask(t *testing.T) {
	p := &stubProvider{
		failSlice: map[int]error{2: &provider.NetworkError{Operation: "upload_slice", Err: errors.New("timeout")}},
		failOnce:  map[int]bool{2: true},
	}
	m, s := newTestManager(t, p)

	// 3 MiB sits above the direct threshold and splits into 1 MiB chunks.
	tk := addUpload(t, m, "big.bin", 3<<20)
	if tk.Direct || tk.TotalChunks != 3 {
		t.Fatalf("expected a 3-chunk transfer, got direct=%v chunks=%d", tk.Direct, tk.TotalChunks)
	}

	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusFailed)

	if tk.CompletedCount() != 2 {
		t.Fatalf("expected chunks {0,1} complete, got %d", tk.CompletedCount())
	}
	if tk.GetError() == nil {
		t.Fatal("expected an error message on the failed task")
	}
	rec, err := s.LoadRecord(tk.ID)
	if err != nil || rec == nil {
		t.Fatalf("resume record should survive failure: rec=%v err=%v", rec, err)
	}

	// The engine handle is released just after the status flips to failed.
	for i := 0; !m.enginesDrained() && i < 300; i++ {
		time.Sleep(10 * time.Millisecond)
	}

	// A failed task may be started again; it retries from the resume record.
	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to restart failed task: %v", err)
	}
	waitForStatus(t, tk, common.StatusCompleted)

	if tk.GetError() != nil {
		t.Errorf("error should be cleared on retry, got %v", tk.GetError())
	}

	p.mu.Lock()
	counts := make(map[int]int)
	for _, idx := range p.sliceCalls {
		counts[idx]++
	}
	precreates := p.precreates
	p.mu.Unlock()

	if counts[0] != 1 || counts[1] != 1 || counts[2] != 1 {
		t.Errorf("expected each chunk sent exactly once, got %v", counts)
	}
	if precreates != 1 {
		t.Errorf("retry must reuse the upload session, got %d precreates", precreates)
	}

	rec, _ = s.LoadRecord(tk.ID)
	if rec != nil {
		t.Error("resume record should be deleted after completion")
	}
}

func TestPauseOnlyFromActive(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})

	tk := addUpload(t, m, "a.bin", 100)
	if err := m.Pause(tk.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("pause on queued task: got %v", err)
	}
}

func TestCancelInactiveTaskCleansUp(t *testing.T) {
	m, s := newTestManager(t, &stubProvider{})

	tk := addUpload(t, m, "a.bin", 100)
	if err := s.SaveRecord(&store.ResumeRecord{TaskID: tk.ID, Size: 100, ChunkSize: 100, TotalChunks: 1}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	if err := m.Cancel(tk.ID, false); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}
	if got := tk.GetStatus(); got != common.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", common.StatusString(got))
	}

	rec, err := s.LoadRecord(tk.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("resume record should be deleted on cancel")
	}
}

func TestCancelWithRemoveFilesDiscardsDownload(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})

	dest := filepath.Join(t.TempDir(), "partial.bin")
	if err := os.WriteFile(dest, []byte("partial"), 0o644); err != nil {
		t.Fatalf("failed to seed partial file: %v", err)
	}

	tk, err := m.Add(AddRequest{
		Name:       "partial.bin",
		RemotePath: "/remote/partial.bin",
		LocalPath:  dest,
		Size:       7,
		Direction:  common.Download,
	})
	if err != nil {
		t.Fatalf("failed to add: %v", err)
	}

	if err := m.Cancel(tk.ID, true); err != nil {
		t.Fatalf("failed to cancel: %v", err)
	}

	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial download should be removed")
	}
}

func TestRemoveOnlyFromTerminal(t *testing.T) {
	p := &stubProvider{}
	m, s := newTestManager(t, p)

	tk := addUpload(t, m, "a.bin", 100)

	if err := m.Remove(tk.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("remove on queued task: got %v", err)
	}

	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusCompleted)

	if err := m.Remove(tk.ID); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if _, err := m.Get(tk.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected not found after remove, got %v", err)
	}
	if _, err := s.FindTask(tk.ID); !errors.Is(err, store.ErrTaskNotFound) {
		t.Errorf("task should be gone from the store, got %v", err)
	}
}

func TestInitRestoresTasksAndParksActive(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	// A task that was mid-transfer when the process died.
	tk := task.New(7, "left.bin", "/remote/left.bin", "/tmp/left.bin", 100, common.Upload, planner.Plan{ChunkSize: 100, TotalChunks: 1, Direct: true})
	tk.SetStatus(common.StatusActive)
	if err := s.SaveTask(tk); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}
	s.Close()

	s, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := New(&Config{MaxConcurrentTransfers: 1, SaveInterval: time.Hour, Tier: planner.TierFree}, &stubProvider{}, s)
	if err := m.Init(); err != nil {
		t.Fatalf("failed to init: %v", err)
	}
	t.Cleanup(func() { m.Shutdown() })

	restored, err := m.Get(7)
	if err != nil {
		t.Fatalf("restored task not found: %v", err)
	}
	if got := restored.GetStatus(); got != common.StatusPaused {
		t.Errorf("mid-transfer task should restore paused, got %s", common.StatusString(got))
	}

	// New ids continue past the restored ones.
	added := addUpload(t, m, "next.bin", 10)
	if added.ID <= 7 {
		t.Errorf("expected new id above 7, got %d", added.ID)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m, _ := newTestManager(t, &stubProvider{})
	events := m.Subscribe()

	tk := addUpload(t, m, "a.bin", 100)

	select {
	case ev := <-events:
		if ev.Type != common.EventTaskCreated || ev.TaskID != tk.ID {
			t.Errorf("unexpected first event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task created event")
	}
}

func TestShutdownPausesActiveTasks(t *testing.T) {
	p := &stubProvider{block: make(chan struct{})}

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := New(&Config{MaxConcurrentTransfers: 1, SaveInterval: time.Hour, Tier: planner.TierFree}, p, s)
	if err := m.Init(); err != nil {
		t.Fatalf("failed to init: %v", err)
	}

	tk := addUpload(t, m, "a.bin", 100)
	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusActive)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	if got := tk.GetStatus(); got != common.StatusPaused {
		t.Errorf("active task should be paused on shutdown, got %s", common.StatusString(got))
	}
}

func TestGlobalStats(t *testing.T) {
	p := &stubProvider{}
	m, _ := newTestManager(t, p)

	tk := addUpload(t, m, "a.bin", 100)
	addUpload(t, m, "b.bin", 100)

	if err := m.Start(tk.ID); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitForStatus(t, tk, common.StatusCompleted)

	stats := m.GlobalStats()
	if stats.CompletedTasks != 1 {
		t.Errorf("expected 1 completed, got %d", stats.CompletedTasks)
	}
	if stats.QueuedTasks != 1 {
		t.Errorf("expected 1 queued, got %d", stats.QueuedTasks)
	}
	if stats.MaxConcurrent != 2 {
		t.Errorf("expected max concurrent 2, got %d", stats.MaxConcurrent)
	}
}
