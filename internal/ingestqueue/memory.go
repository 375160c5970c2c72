package ingestqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"visual-search/internal/pipeline/ingest"
	pkgerrors "visual-search/pkg/errors"
)

// MemoryQueue 进程内队列，API 与入库在同一进程时使用
type MemoryQueue struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	pending []string
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: make(map[string]*Task)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entry *ingest.CatalogEntry) (string, error) {
	if entry == nil {
		return "", errors.New("entry 不能为空")
	}
	e := *entry
	t := &Task{ID: uuid.New().String(), Entry: &e, Status: StatusPending, CreatedAt: time.Now()}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.ID] = t
	q.pending = append(q.pending, t.ID)
	return t.ID, nil
}

func (q *MemoryQueue) ClaimOne(ctx context.Context, workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	t := q.tasks[id]
	t.Status = StatusClaimed
	t.WorkerID = workerID
	cp := *t
	return &cp, nil
}

func (q *MemoryQueue) MarkCompleted(ctx context.Context, taskID string, result *ingest.Result) error {
	return q.finish(taskID, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
		t.Error = ""
	})
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	return q.finish(taskID, func(t *Task) {
		t.Status = StatusFailed
		t.Error = errMsg
	})
}

func (q *MemoryQueue) finish(taskID string, fn func(t *Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: task %s", pkgerrors.ErrNotFound, taskID)
	}
	fn(t)
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", pkgerrors.ErrNotFound, taskID)
	}
	cp := *t
	return &cp, nil
}

func (q *MemoryQueue) Close() error { return nil }
