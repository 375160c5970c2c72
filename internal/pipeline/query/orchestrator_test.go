package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/pipeline/feedback"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/vector"
)

type fixture struct {
	index *vector.FlatIndex
	store *metadata.MemoryStore
	orch  *Orchestrator
}

func newFixture(t *testing.T, items ...*metadata.Item) *fixture {
	t.Helper()
	store := metadata.NewMemoryStore()
	for _, it := range items {
		require.NoError(t, store.Create(context.Background(), it))
	}
	index := vector.NewFlatIndex(2, "test", nil, nil)
	ranker := feedback.NewRanker(store, 0, 0, nil)
	return &fixture{
		index: index,
		store: store,
		orch:  NewOrchestrator(index, store, ranker, Options{}, nil),
	}
}

// 三个向量 [1,0] [0,1] [0.7,0.7] 对应 10 20 30
func (f *fixture) seedVectors(t *testing.T) {
	t.Helper()
	require.NoError(t, f.index.Add(context.Background(),
		[][]float32{{1, 0}, {0, 1}, {0.7, 0.7}}, []int64{10, 20, 30}))
}

func defaultItems() []*metadata.Item {
	return []*metadata.Item{
		{ID: 10, ImagePath: "10.jpg", Brand: "Ray-Ban", Price: 150, Material: "Metal", StyleTags: "Aviator,Black"},
		{ID: 20, ImagePath: "20.jpg", Brand: "Oakley", Price: 90, Material: "Plastic", StyleTags: "Square"},
		{ID: 30, ImagePath: "30.jpg", Brand: "Persol", Price: 210, Material: "Acetate", StyleTags: "Round,Tortoise"},
	}
}

func TestOrchestrator_EmptyIndex(t *testing.T) {
	f := newFixture(t)
	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{Embedding: []float32{1, 0}, K: 5})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 0, resp.TotalResults)
}

func TestOrchestrator_Basic(t *testing.T) {
	f := newFixture(t, defaultItems()...)
	f.seedVectors(t)

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{Embedding: []float32{1, 0}, K: 2})
	require.NoError(t, err)

	// 20 的相似度为 0，低于阈值
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(10), resp.Results[0].ID)
	assert.Equal(t, int64(30), resp.Results[1].ID)
	assert.InDelta(t, 0.7, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.7071*0.7, resp.Results[1].Score, 1e-3)
	assert.Equal(t, 2, resp.TotalResults)
	assert.Equal(t, "Ray-Ban", resp.Results[0].Item.Brand)
	assert.Nil(t, resp.Modifier)
}

func TestOrchestrator_Filter(t *testing.T) {
	f := newFixture(t, defaultItems()...)
	f.seedVectors(t)

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{
		Embedding: []float32{1, 0},
		K:         3,
		Filter:    &common.SearchFilter{Material: "acetate"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(30), resp.Results[0].ID)
}

func TestOrchestrator_Modifier(t *testing.T) {
	f := newFixture(t, defaultItems()...)
	f.seedVectors(t)

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{
		Embedding:    []float32{1, 0},
		K:            3,
		TextModifier: "but in tortoise shell color",
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(30), resp.Results[0].ID)
	require.NotNil(t, resp.Modifier)
	assert.Equal(t, "Tortoise", resp.Modifier.Color)
	assert.InDelta(t, 0.7071*1.05*0.7, resp.Results[0].Score, 1e-3)
}

func TestOrchestrator_BoostedScoresAboveOneStayDistinct(t *testing.T) {
	f := newFixture(t,
		&metadata.Item{ID: 1, ImagePath: "1.jpg", StyleTags: "Black", RelevanceScore: 1},
		&metadata.Item{ID: 2, ImagePath: "2.jpg", StyleTags: "Black", RelevanceScore: 1},
	)
	require.NoError(t, f.index.Add(context.Background(), [][]float32{{1, 0.1}, {1, 0}}, []int64{2, 1}))

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{
		Embedding:    []float32{1, 0},
		K:            2,
		TextModifier: "same frame in black",
	})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, idsOf(resp))
	assert.InDelta(t, 1.05*0.7+0.3, resp.Results[0].Score, 1e-6)
	assert.InDelta(t, 0.995037*1.05*0.7+0.3, resp.Results[1].Score, 1e-5)
	assert.Greater(t, resp.Results[1].Score, 1.0)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestOrchestrator_MissingAttributesPassThrough(t *testing.T) {
	items := defaultItems()[:2]
	f := newFixture(t, items...)
	f.seedVectors(t)

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{Embedding: []float32{1, 0}, K: 3})
	require.NoError(t, err)
	// 30 没有属性记录，保留原始相似度 0.707，高于 10 的融合分 0.7
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(30), resp.Results[0].ID)
	assert.Nil(t, resp.Results[0].Item)
	assert.Equal(t, int64(10), resp.Results[1].ID)
}

type failingAttrs struct{}

func (failingAttrs) GetMany(ctx context.Context, ids []int64) (map[int64]*metadata.Item, error) {
	return nil, errors.New("db down")
}

func TestOrchestrator_AttributeLookupFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.seedVectors(t)
	orch := NewOrchestrator(f.index, failingAttrs{}, feedback.NewRanker(f.store, 0, 0, nil), Options{}, nil)

	resp, err := orch.Search(context.Background(), &common.SearchRequest{
		Embedding: []float32{1, 0},
		K:         3,
		Filter:    &common.SearchFilter{Brand: "Nobody"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 30}, idsOf(resp))
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
}

func TestOrchestrator_FeedbackShiftsRanking(t *testing.T) {
	f := newFixture(t,
		&metadata.Item{ID: 1, ImagePath: "1.jpg"},
		&metadata.Item{ID: 2, ImagePath: "2.jpg", RelevanceScore: 0.5},
	)
	require.NoError(t, f.index.Add(context.Background(), [][]float32{{1, 0.05}, {1, 0.1}}, []int64{1, 2}))

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, idsOf(resp))
}

func TestOrchestrator_DefaultPageSize(t *testing.T) {
	f := newFixture(t)
	vecs := make([][]float32, 15)
	ids := make([]int64, 15)
	for i := range vecs {
		vecs[i] = []float32{1, float32(i) * 0.01}
		ids[i] = int64(i + 1)
	}
	require.NoError(t, f.index.Add(context.Background(), vecs, ids))

	resp, err := f.orch.Search(context.Background(), &common.SearchRequest{Embedding: []float32{1, 0}, K: 0})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 10)
	assert.Equal(t, 15, resp.TotalResults)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestOrchestrator_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.seedVectors(t)
	ctx := context.Background()

	_, err := f.orch.Search(ctx, nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.orch.Search(ctx, &common.SearchRequest{})
	field, ok := common.FieldOf(err)
	assert.True(t, ok)
	assert.Equal(t, "embedding", field)

	_, err = f.orch.Search(ctx, &common.SearchRequest{Embedding: []float32{1, 0, 0}})
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	assert.ErrorIs(t, err, common.ErrRetrievalFailed)
	stage, ok := common.StageOf(err)
	assert.True(t, ok)
	assert.Equal(t, "index", stage)
}

func idsOf(resp *common.SearchResponse) []int64 {
	ids := make([]int64, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ID
	}
	return ids
}

func TestThresholdStageAndTruncate(t *testing.T) {
	s := NewThresholdStage(0)
	out, err := s.Execute(common.NewPipelineContext(context.Background(), "r"),
		[]common.Candidate{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.3}, {ID: 3, Score: 0.29}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, common.IDs(out))

	assert.Len(t, Truncate(out, 1), 1)
	assert.Len(t, Truncate(out, 0), 2)
	assert.Len(t, Truncate(out, 5), 2)
}
