package ingestqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/internal/pipeline/ingest"
	"visual-search/pkg/config"
	pkgerrors "visual-search/pkg/errors"
)

type recordingIndexer struct {
	batches [][]string
	err     error
}

func (r *recordingIndexer) IndexBatch(ctx context.Context, entries []*ingest.CatalogEntry) ([]ingest.Result, error) {
	paths := make([]string, len(entries))
	results := make([]ingest.Result, len(entries))
	for i, e := range entries {
		paths[i] = e.ImagePath
		results[i] = ingest.Result{ID: int64(i + 1), ImagePath: e.ImagePath, Status: ingest.StatusIndexed}
		if e.Brand == "dup" {
			results[i] = ingest.Result{ImagePath: e.ImagePath, Status: ingest.StatusSkipped}
		}
	}
	r.batches = append(r.batches, paths)
	if r.err != nil {
		return nil, r.err
	}
	return results, nil
}

func TestMemoryQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	id1, err := q.Enqueue(ctx, &ingest.CatalogEntry{ImagePath: "a.jpg"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, &ingest.CatalogEntry{ImagePath: "b.jpg"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, err = q.Enqueue(ctx, nil)
	assert.Error(t, err)

	task, err := q.ClaimOne(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, id1, task.ID)
	assert.Equal(t, StatusClaimed, task.Status)
	assert.Equal(t, "a.jpg", task.Entry.ImagePath)

	require.NoError(t, q.MarkCompleted(ctx, id1, &ingest.Result{ID: 7, ImagePath: "a.jpg", Status: ingest.StatusIndexed}))
	got, err := q.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(7), got.Result.ID)
	assert.NotNil(t, got.CompletedAt)

	got, err = q.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = q.ClaimOne(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, id2, "boom"))
	got, _ = q.Get(ctx, id2)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	task, err = q.ClaimOne(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
	assert.ErrorIs(t, q.MarkFailed(ctx, "missing", "x"), pkgerrors.ErrNotFound)
}

func TestMemoryQueue_EnqueueCopiesEntry(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	entry := &ingest.CatalogEntry{ImagePath: "a.jpg"}
	id, err := q.Enqueue(ctx, entry)
	require.NoError(t, err)
	entry.ImagePath = "changed.jpg"

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", got.Entry.ImagePath)
}

func TestDrainer_Batches(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	var ids []string
	for _, e := range []ingest.CatalogEntry{
		{ImagePath: "a.jpg"},
		{ImagePath: "b.jpg", Brand: "dup"},
		{ImagePath: ""}, // 校验失败
		{ImagePath: "c.jpg"},
	} {
		e := e
		id, err := q.Enqueue(ctx, &e)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	idx := &recordingIndexer{}
	summary, err := NewDrainer(q, idx, "w1", 2, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Indexed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, [][]string{{"a.jpg", "b.jpg"}, {"c.jpg"}}, idx.batches)

	for i, want := range []string{StatusCompleted, StatusCompleted, StatusFailed, StatusCompleted} {
		got, err := q.Get(ctx, ids[i])
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "task %d", i)
	}
	got, _ := q.Get(ctx, ids[1])
	assert.Equal(t, ingest.StatusSkipped, got.Result.Status)

	// 队列已空
	summary, err = NewDrainer(q, idx, "w1", 2, nil).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, ingest.Summary{}, *summary)
}

func TestDrainer_IndexFailureMarksBatch(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	id, err := q.Enqueue(ctx, &ingest.CatalogEntry{ImagePath: "a.jpg"})
	require.NoError(t, err)

	summary, err := NewDrainer(q, &recordingIndexer{err: errors.New("index down")}, "w1", 4, nil).Drain(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, summary.Failed)
	got, _ := q.Get(ctx, id)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "index down", got.Error)
}

func TestNewQueue(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}

	q, err := NewQueue(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, q)

	cfg.Ingest.Queue = "memory"
	q, err = NewQueue(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	cfg.Ingest.Queue = "postgres"
	_, err = NewQueue(ctx, cfg)
	assert.Error(t, err, "dsn required")

	cfg.Ingest.Queue = "kafka"
	_, err = NewQueue(ctx, cfg)
	assert.Error(t, err)
}
