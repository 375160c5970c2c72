package ingest

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/internal/model/vision"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/object"
	"visual-search/internal/storage/vector"
)

const testDim = 16

type env struct {
	index  *vector.FlatIndex
	store  *metadata.MemoryStore
	images *object.MemoryStore
	blobs  *object.MemoryStore
	idx    *Indexer
}

func newEnv(t *testing.T, batchSize int) *env {
	t.Helper()
	blobs := object.NewMemoryStore()
	images := object.NewMemoryStore()
	e := &env{
		index:  vector.NewFlatIndex(testDim, "test", blobs, nil),
		store:  metadata.NewMemoryStore(),
		images: images,
		blobs:  blobs,
	}
	e.idx = NewIndexer(e.index, e.store, images, &vision.StubExtractor{Dimension: testDim}, &vision.StubClassifier{},
		Options{BatchSize: batchSize, Concurrency: 2}, nil)
	return e
}

func (e *env) putImage(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, e.images.Put(context.Background(), path, strings.NewReader(content), int64(len(content))))
}

func unit(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

func TestIndexer_IndexBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 32)
	e.putImage(t, "b.jpg", "image-b")

	results, err := e.idx.IndexBatch(ctx, []*CatalogEntry{
		{ImagePath: "a.jpg", Brand: "Ray-Ban", Price: 120, Material: "Metal", StyleTags: "Aviator, Black", Embedding: unit(0)},
		{ImagePath: "b.jpg", Brand: "Oakley", Price: 90},
		{ImagePath: "a.jpg", Embedding: unit(1)},
		{ImagePath: "c.jpg"},
		{ImagePath: "d.jpg", Embedding: []float32{1, 2}},
		{ImagePath: ""},
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	assert.Equal(t, StatusIndexed, results[0].Status)
	assert.Equal(t, StatusIndexed, results[1].Status)
	assert.Equal(t, StatusSkipped, results[2].Status)
	assert.Equal(t, StatusFailed, results[3].Status, "image missing")
	assert.Equal(t, StatusFailed, results[4].Status, "wrong dimension")
	assert.Equal(t, StatusFailed, results[5].Status)

	assert.Equal(t, 2, e.index.Size())
	assert.Equal(t, []int64{results[0].ID, results[1].ID}, e.index.IDs())

	a, err := e.store.Get(ctx, results[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Aviator,Black", a.StyleTags)

	b, err := e.store.Get(ctx, results[1].ID)
	require.NoError(t, err)
	assert.NotEmpty(t, b.StyleTags, "classifier fills tags")
}

func TestIndexer_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 32)
	_, err := e.idx.IndexBatch(ctx, []*CatalogEntry{{ImagePath: "a.jpg", Embedding: unit(0)}})
	require.NoError(t, err)

	results, err := e.idx.IndexBatch(ctx, []*CatalogEntry{{ImagePath: "a.jpg", Embedding: unit(0)}})
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, results[0].Status)
	assert.Equal(t, 1, e.index.Size())
}

func TestIndexer_ReindexReusesRows(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 32)
	first, err := e.idx.IndexBatch(ctx, []*CatalogEntry{{ImagePath: "a.jpg", Brand: "Ray-Ban", StyleTags: "Aviator", Embedding: unit(0)}})
	require.NoError(t, err)
	require.NoError(t, e.index.Reset(ctx))

	re := NewIndexer(e.index, e.store, e.images, nil, nil, Options{Reindex: true}, nil)
	results, err := re.IndexBatch(ctx, []*CatalogEntry{{ImagePath: "a.jpg", Brand: "ignored", Embedding: unit(2)}})
	require.NoError(t, err)
	assert.Equal(t, StatusIndexed, results[0].Status)
	assert.Equal(t, first[0].ID, results[0].ID)
	assert.Equal(t, []int64{first[0].ID}, e.index.IDs())

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	it, err := e.store.Get(ctx, first[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Ray-Ban", it.Brand)
}

func TestIndexer_RejectsZeroVector(t *testing.T) {
	e := newEnv(t, 32)
	results, err := e.idx.IndexBatch(context.Background(), []*CatalogEntry{
		{ImagePath: "zero.jpg", Embedding: make([]float32, testDim)},
		{ImagePath: "ok.jpg", Embedding: unit(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusIndexed, results[1].Status)
	assert.Equal(t, 1, e.index.Size())
}

func TestIndexer_IngestCatalog(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2)

	catalog := strings.Join([]string{
		`{"image_path":"1.jpg","brand":"A","price":10,"embedding":` + vecJSON(unit(0)) + `}`,
		``,
		`{"image_path":"2.jpg","brand":"B","price":20,"embedding":` + vecJSON(unit(1)) + `}`,
		`not json`,
		`{"image_path":"3.jpg","brand":"C","price":-1}`,
		`{"image_path":"4.jpg","brand":"D","price":40,"embedding":` + vecJSON(unit(2)) + `}`,
	}, "\n")

	summary, err := e.idx.IngestCatalog(ctx, strings.NewReader(catalog))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Indexed)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 3, e.index.Size())

	// 已持久化，可重新加载
	fresh := vector.NewFlatIndex(testDim, "test", e.blobs, nil)
	require.NoError(t, fresh.Reload(ctx))
	assert.Equal(t, e.index.IDs(), fresh.IDs())
}

func TestIndexer_IngestDirectory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2)
	e.putImage(t, "x.jpg", "x")
	e.putImage(t, "y.PNG", "y")
	e.putImage(t, "z.png", "z")
	e.putImage(t, "notes.txt", "ignore me")

	summary, err := e.idx.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Indexed)
	assert.Equal(t, 3, e.index.Size())

	summary, err = e.idx.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
}

func TestReadCatalog_StopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	var lines []int
	err := ReadCatalog(strings.NewReader("{\"image_path\":\"a\"}\n{\"image_path\":\"b\"}\n"), func(line int, entry *CatalogEntry, err error) error {
		lines = append(lines, line)
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []int{1}, lines)
}

func vecJSON(v []float32) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		if x == 1 {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}

type recordingIndexer struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recordingIndexer) IndexBatch(ctx context.Context, entries []*CatalogEntry) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, len(entries))
	results := make([]Result, len(entries))
	for i, e := range entries {
		paths[i] = e.ImagePath
		results[i] = Result{ID: int64(i + 1), ImagePath: e.ImagePath, Status: StatusIndexed}
	}
	r.batches = append(r.batches, paths)
	return results, nil
}

func TestBatcher_FlushOnSize(t *testing.T) {
	rec := &recordingIndexer{}
	persisted := make(chan struct{}, 10)
	b := NewBatcher(rec, func(ctx context.Context) error {
		persisted <- struct{}{}
		return nil
	}, 3, time.Hour, nil)
	defer b.Shutdown(context.Background())

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := b.Submit(context.Background(), &CatalogEntry{ImagePath: string(rune('a'+i)) + ".jpg"})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, StatusIndexed, r.Status)
	}
	rec.mu.Lock()
	assert.Len(t, rec.batches, 1)
	assert.Len(t, rec.batches[0], 3)
	rec.mu.Unlock()

	select {
	case <-persisted:
	case <-time.After(time.Second):
		t.Fatal("persist not called")
	}
}

func TestBatcher_FlushOnWait(t *testing.T) {
	rec := &recordingIndexer{}
	b := NewBatcher(rec, nil, 100, 20*time.Millisecond, nil)
	defer b.Shutdown(context.Background())

	r, err := b.Submit(context.Background(), &CatalogEntry{ImagePath: "solo.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "solo.jpg", r.ImagePath)
	assert.Equal(t, StatusIndexed, r.Status)
}

func TestBatcher_Shutdown(t *testing.T) {
	rec := &recordingIndexer{}
	b := NewBatcher(rec, nil, 100, time.Hour, nil)

	done := make(chan *Result, 1)
	go func() {
		r, _ := b.Submit(context.Background(), &CatalogEntry{ImagePath: "late.jpg"})
		done <- r
	}()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.queue) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Shutdown(context.Background()))
	r := <-done
	require.NotNil(t, r)
	assert.Equal(t, StatusIndexed, r.Status)

	_, err := b.Submit(context.Background(), &CatalogEntry{ImagePath: "after.jpg"})
	assert.ErrorIs(t, err, ErrBatcherClosed)
	assert.NoError(t, b.Shutdown(context.Background()))
}
