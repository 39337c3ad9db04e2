package manager

import (
	"container/heap"
	"sync"

	"github.com/ZenoLeee/baidu-netdisk-tools-sub000/internal/logger"
)

// queueItem wraps a task id with its priority for the heap.
type queueItem struct {
	id       int64
	priority int
	seq      int64
	index    int
}

// taskHeap implements heap.Interface as a max-heap by priority; ties break
// in submission order so equal-priority tasks dispatch FIFO.
type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	*h = old[:n-1]
	return item
}

// queueProcessor dispatches queued tasks up to maxConcurrent at a time,
// and exits its dispatch loop when stopCh is closed. Tasks beyond the
// ceiling stay queued until a running one frees its slot.
type queueProcessor struct {
	mu            sync.Mutex
	cond          *sync.Cond
	heap          taskHeap
	startFn       func(int64) error
	maxConcurrent int
	activeCount   int
	nextSeq       int64
	stopCh        <-chan struct{}
}

// newQueueProcessor creates and starts the processor loop. Closing stopCh
// wakes the loop and any waiting cond.Wait.
func newQueueProcessor(maxConcurrent int, startFn func(int64) error, stopCh <-chan struct{}) *queueProcessor {
	qp := &queueProcessor{
		heap:          make(taskHeap, 0),
		startFn:       startFn,
		maxConcurrent: maxConcurrent,
		stopCh:        stopCh,
	}
	qp.cond = sync.NewCond(&qp.mu)

	go qp.dispatchLoop()

	go func() {
		<-stopCh
		qp.cond.L.Lock()
		qp.cond.Broadcast()
		qp.cond.L.Unlock()
	}()

	return qp
}

// enqueue adds a task id with its priority into the queue.
func (q *queueProcessor) enqueue(id int64, priority int) {
	q.mu.Lock()
	q.nextSeq++
	heap.Push(&q.heap, &queueItem{id: id, priority: priority, seq: q.nextSeq})
	logger.Infof("Enqueued task %d (priority %d)", id, priority)
	q.cond.Signal()
	q.mu.Unlock()
}

// dispatchLoop pops items when slots free and starts workers. It returns
// as soon as stopCh is closed.
func (q *queueProcessor) dispatchLoop() {
	for {
		q.mu.Lock()
		for q.activeCount >= q.maxConcurrent || len(q.heap) == 0 {
			q.cond.Wait()

			select {
			case <-q.stopCh:
				q.mu.Unlock()
				return
			default:
			}
		}

		select {
		case <-q.stopCh:
			q.mu.Unlock()
			return
		default:
		}

		item := heap.Pop(&q.heap).(*queueItem)
		q.activeCount++
		q.mu.Unlock()

		go func(id int64) {
			defer func() {
				q.mu.Lock()
				q.activeCount--
				q.cond.Signal()
				q.mu.Unlock()
			}()

			logger.Debugf("Dispatching task %d", id)
			if err := q.startFn(id); err != nil {
				logger.Errorf("Failed to run task %d: %v", id, err)
			}
		}(item.id)
	}
}
