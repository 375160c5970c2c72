// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"testing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visual-search/internal/api/http/middleware"
	"visual-search/internal/ingestqueue"
	"visual-search/internal/model/vision"
	"visual-search/internal/pipeline/feedback"
	"visual-search/internal/pipeline/ingest"
	"visual-search/internal/pipeline/query"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/object"
	"visual-search/internal/storage/vector"
	"visual-search/pkg/config"
)

type testEnv struct {
	store   *metadata.MemoryStore
	index   *vector.FlatIndex
	handler *Handler
}

// newTestEnv 三个商品，向量 [1,0] [0,1] [0.7,0.7] 对应 id 1 2 3
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := metadata.NewMemoryStore()
	for _, it := range []*metadata.Item{
		{ID: 1, ImagePath: "a.jpg", Brand: "Ray-Ban", Price: 150, Material: "Metal", StyleTags: "Aviator,Black"},
		{ID: 2, ImagePath: "b.jpg", Brand: "Oakley", Price: 90, Material: "Plastic", StyleTags: "Square"},
		{ID: 3, ImagePath: "c.jpg", Brand: "Persol", Price: 210, Material: "Acetate", StyleTags: "Round,Tortoise"},
	} {
		require.NoError(t, store.Create(ctx, it))
	}
	index := vector.NewFlatIndex(2, "test", object.NewMemoryStore(), nil)
	require.NoError(t, index.Add(ctx, [][]float32{{1, 0}, {0, 1}, {0.7, 0.7}}, []int64{1, 2, 3}))

	ranker := feedback.NewRanker(store, 0, 0, nil)
	orch := query.NewOrchestrator(index, store, ranker, query.Options{}, nil)
	h := NewHandler(orch, ranker, metadata.NewRepository(store), index)
	return &testEnv{store: store, index: index, handler: h}
}

func (e *testEnv) server(t *testing.T) *server.Hertz {
	t.Helper()
	mw, err := middleware.NewMiddleware(config.APIConfig{})
	require.NoError(t, err)
	return NewRouter(e.handler, mw).Build(":0")
}

func doJSON(s *server.Hertz, method, path string, v interface{}) *ut.ResponseRecorder {
	var body []byte
	if v != nil {
		body, _ = json.Marshal(v)
	}
	return ut.PerformRequest(s.Engine, method, path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func decode(t *testing.T, w *ut.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Result().Body(), v), string(w.Result().Body()))
}

func TestHealthCheck(t *testing.T) {
	h := server.Default(server.WithHostPorts(":0"))
	handler := NewHandler(nil, nil, nil, nil)
	h.GET("/api/health", func(ctx context.Context, c *app.RequestContext) {
		handler.HealthCheck(ctx, c)
	})
	w := ut.PerformRequest(h.Engine, "GET", "/api/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Errorf("HealthCheck status: got %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("ok")) {
		t.Errorf("HealthCheck body: %s", resp.Body())
	}
}

func TestSearch_JSON(t *testing.T) {
	s := newTestEnv(t).server(t)
	w := doJSON(s, "POST", "/api/search", map[string]interface{}{"embedding": []float32{1, 0}, "k": 2})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))

	var resp searchResponse
	decode(t, w, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, int64(1), resp.Results[0].ID)
	assert.Equal(t, "Ray-Ban", resp.Results[0].Brand)
	assert.Equal(t, "a.jpg", resp.Results[0].ImagePath)
	assert.Equal(t, int64(3), resp.Results[1].ID)
	// [0,1] 相似度为 0，被阈值过滤
	assert.Equal(t, 2, resp.TotalResults)
	assert.Nil(t, resp.Attributes)
}

func TestSearch_FilterAndModifier(t *testing.T) {
	s := newTestEnv(t).server(t)
	w := doJSON(s, "POST", "/api/search", map[string]interface{}{
		"embedding":     []float32{1, 0},
		"text_modifier": "something in tortoise",
	})
	require.Equal(t, 200, w.Result().StatusCode())
	var resp searchResponse
	decode(t, w, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(3), resp.Results[0].ID)
	require.NotNil(t, resp.Attributes)
	assert.Equal(t, "Tortoise", resp.Attributes.Color)

	w = doJSON(s, "POST", "/api/search", map[string]interface{}{
		"embedding": []float32{1, 0},
		"price_max": 200,
		"brand":     "ray-ban",
	})
	require.Equal(t, 200, w.Result().StatusCode())
	decode(t, w, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(1), resp.Results[0].ID)
}

func TestSearch_BadRequests(t *testing.T) {
	s := newTestEnv(t).server(t)

	w := ut.PerformRequest(s.Engine, "POST", "/api/search",
		&ut.Body{Body: bytes.NewReader([]byte("{")), Len: 1},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, 400, w.Result().StatusCode())

	w = doJSON(s, "POST", "/api/search", map[string]interface{}{"k": 3})
	assert.Equal(t, 400, w.Result().StatusCode())
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "embedding", body["field"])
	assert.Equal(t, "index", body["stage"])

	w = doJSON(s, "POST", "/api/search", map[string]interface{}{"embedding": []float32{1, 0, 0}})
	assert.Equal(t, 400, w.Result().StatusCode())
	body = nil
	decode(t, w, &body)
	assert.Equal(t, "index", body["stage"])
	assert.Empty(t, body["field"])
}

type fixedExtractor struct {
	vec []float32
	err error
}

func (f *fixedExtractor) Name() string { return "fixed" }

func (f *fixedExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	return f.vec, f.err
}

type fixedClassifier struct{}

func (fixedClassifier) Name() string { return "fixed" }

func (fixedClassifier) Classify(ctx context.Context, embedding []float32) (*vision.Attributes, error) {
	return &vision.Attributes{Style: "Aviator", StyleConfidence: 0.9, Color: "Black", ColorConfidence: 0.8}, nil
}

func multipartSearch(t *testing.T, s *server.Hertz, fields map[string]string, withImage bool) *ut.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withImage {
		fw, err := mw.CreateFormFile("image", "query.jpg")
		require.NoError(t, err)
		_, _ = fw.Write([]byte("fake-jpeg-bytes"))
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return ut.PerformRequest(s.Engine, "POST", "/api/search",
		&ut.Body{Body: bytes.NewReader(buf.Bytes()), Len: buf.Len()},
		ut.Header{Key: "Content-Type", Value: mw.FormDataContentType()})
}

func TestSearch_Image(t *testing.T) {
	env := newTestEnv(t)
	env.handler.SetVision(&fixedExtractor{vec: []float32{0, 1}}, fixedClassifier{})
	s := env.server(t)

	w := multipartSearch(t, s, map[string]string{"k": "1"}, true)
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var resp searchResponse
	decode(t, w, &resp)
	assert.Equal(t, "query.jpg", resp.QueryImage)
	require.NotNil(t, resp.ImageAttributes)
	assert.Equal(t, "Aviator", resp.ImageAttributes.Style)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, int64(2), resp.Results[0].ID)
	assert.Equal(t, 2, resp.TotalResults)

	w = multipartSearch(t, s, map[string]string{"k": "x"}, true)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = multipartSearch(t, s, map[string]string{"k": "1"}, false)
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestSearch_ImageWithoutExtractor(t *testing.T) {
	s := newTestEnv(t).server(t)
	w := multipartSearch(t, s, nil, true)
	assert.Equal(t, 503, w.Result().StatusCode())
}

func TestSearch_ExtractorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.handler.SetVision(&fixedExtractor{err: errors.New("model down")}, nil)
	w := multipartSearch(t, env.server(t), nil, true)
	assert.Equal(t, 500, w.Result().StatusCode())
}

func TestProducts(t *testing.T) {
	s := newTestEnv(t).server(t)

	w := doJSON(s, "GET", "/api/products/1", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var it metadata.Item
	decode(t, w, &it)
	assert.Equal(t, "Ray-Ban", it.Brand)

	assert.Equal(t, 404, doJSON(s, "GET", "/api/products/99", nil).Result().StatusCode())
	assert.Equal(t, 400, doJSON(s, "GET", "/api/products/abc", nil).Result().StatusCode())
	assert.Equal(t, 404, doJSON(s, "GET", "/api/products/99/stats", nil).Result().StatusCode())
}

func TestFeedbackAndStats(t *testing.T) {
	env := newTestEnv(t)
	s := env.server(t)

	w := doJSON(s, "POST", "/api/feedback", map[string]interface{}{"product_id": 2, "is_relevant": true, "query_context": "q1"})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var fb map[string]interface{}
	decode(t, w, &fb)
	assert.Equal(t, "success", fb["status"])
	assert.InDelta(t, 0.1, fb["relevance_score"], 1e-9)

	w = doJSON(s, "POST", "/api/feedback", map[string]interface{}{"product_id": 2, "is_relevant": false})
	require.Equal(t, 200, w.Result().StatusCode())

	w = doJSON(s, "GET", "/api/products/2/stats", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var st metadata.ItemStats
	decode(t, w, &st)
	assert.Equal(t, int64(1), st.ClickCount)
	assert.Equal(t, int64(1), st.Relevant)
	assert.Equal(t, int64(1), st.NotRelevant)
	assert.Equal(t, int64(2), st.TotalFeedback)
	assert.InDelta(t, 0.095, st.RelevanceScore, 1e-9)

	w = doJSON(s, "GET", "/api/stats", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var stats struct {
		TotalProducts int64        `json:"total_products"`
		TotalFeedback int64        `json:"total_feedback"`
		VectorDB      vector.Stats `json:"vector_db"`
	}
	decode(t, w, &stats)
	assert.Equal(t, int64(3), stats.TotalProducts)
	assert.Equal(t, int64(2), stats.TotalFeedback)
	assert.Equal(t, 3, stats.VectorDB.TotalVectors)
	assert.Equal(t, 2, stats.VectorDB.Dimension)
	assert.Equal(t, vector.IndexTypeFlatIP, stats.VectorDB.IndexType)
}

func TestFeedback_Invalid(t *testing.T) {
	s := newTestEnv(t).server(t)
	assert.Equal(t, 400, doJSON(s, "POST", "/api/feedback", map[string]interface{}{"product_id": 2}).Result().StatusCode())
	assert.Equal(t, 400, doJSON(s, "POST", "/api/feedback", map[string]interface{}{"is_relevant": true}).Result().StatusCode())
	assert.Equal(t, 404, doJSON(s, "POST", "/api/feedback", map[string]interface{}{"product_id": 42, "is_relevant": true}).Result().StatusCode())
}

func TestAdmin_PersistReloadBoost(t *testing.T) {
	env := newTestEnv(t)
	s := env.server(t)

	require.Equal(t, 200, doJSON(s, "POST", "/api/admin/persist", nil).Result().StatusCode())
	require.NoError(t, env.index.Reset(context.Background()))
	assert.Equal(t, 0, env.index.Size())

	w := doJSON(s, "POST", "/api/admin/reload", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Equal(t, 3, env.index.Size())

	require.Equal(t, 200, doJSON(s, "POST", "/api/feedback", map[string]interface{}{"product_id": 1, "is_relevant": true}).Result().StatusCode())
	w = doJSON(s, "POST", "/api/admin/products/1/boost", map[string]interface{}{"factor": 3})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var it metadata.Item
	decode(t, w, &it)
	assert.InDelta(t, 0.3, it.RelevanceScore, 1e-9)

	w = doJSON(s, "POST", "/api/admin/products/1/boost", map[string]interface{}{"factor": 100})
	decode(t, w, &it)
	assert.Equal(t, 1.0, it.RelevanceScore)

	assert.Equal(t, 400, doJSON(s, "POST", "/api/admin/products/1/boost", map[string]interface{}{"factor": 0}).Result().StatusCode())
	assert.Equal(t, 404, doJSON(s, "POST", "/api/admin/products/9/boost", map[string]interface{}{"factor": 2}).Result().StatusCode())
}

func TestAdmin_AddItem(t *testing.T) {
	env := newTestEnv(t)
	indexer := ingest.NewIndexer(env.index, env.store, nil, nil, nil, ingest.Options{}, nil)
	b := ingest.NewBatcher(indexer, env.index.Persist, 8, 0, nil)
	defer b.Shutdown(context.Background())
	env.handler.SetIngester(b)
	s := env.server(t)

	w := doJSON(s, "POST", "/api/admin/items", map[string]interface{}{
		"image_path": "d.jpg", "brand": "Gucci", "price": 300, "embedding": []float32{0.6, 0.8},
	})
	require.Equal(t, 201, w.Result().StatusCode(), string(w.Result().Body()))
	var res ingest.Result
	decode(t, w, &res)
	assert.Equal(t, ingest.StatusIndexed, res.Status)
	assert.Equal(t, 4, env.index.Size())

	w = doJSON(s, "POST", "/api/admin/items", map[string]interface{}{
		"image_path": "d.jpg", "embedding": []float32{0.6, 0.8},
	})
	require.Equal(t, 200, w.Result().StatusCode())
	decode(t, w, &res)
	assert.Equal(t, ingest.StatusSkipped, res.Status)

	w = doJSON(s, "POST", "/api/admin/items", map[string]interface{}{"brand": "x"})
	assert.Equal(t, 400, w.Result().StatusCode())
}

func TestAdmin_Tasks(t *testing.T) {
	env := newTestEnv(t)
	s := env.server(t)
	assert.Equal(t, 503, doJSON(s, "POST", "/api/admin/tasks", map[string]interface{}{"image_path": "d.jpg"}).Result().StatusCode())

	q := ingestqueue.NewMemoryQueue()
	env.handler.SetTaskQueue(q)
	s = env.server(t)

	w := doJSON(s, "POST", "/api/admin/tasks", map[string]interface{}{
		"image_path": "d.jpg", "embedding": []float32{0.6, 0.8},
	})
	require.Equal(t, 202, w.Result().StatusCode(), string(w.Result().Body()))
	var accepted struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decode(t, w, &accepted)
	require.NotEmpty(t, accepted.TaskID)
	assert.Equal(t, ingestqueue.StatusPending, accepted.Status)

	indexer := ingest.NewIndexer(env.index, env.store, nil, nil, nil, ingest.Options{}, nil)
	summary, err := ingestqueue.NewDrainer(q, indexer, "test", 4, nil).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Indexed)

	w = doJSON(s, "GET", "/api/admin/tasks/"+accepted.TaskID, nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var task ingestqueue.Task
	decode(t, w, &task)
	assert.Equal(t, ingestqueue.StatusCompleted, task.Status)
	require.NotNil(t, task.Result)
	assert.Equal(t, ingest.StatusIndexed, task.Result.Status)
	assert.Nil(t, task.Entry)

	assert.Equal(t, 404, doJSON(s, "GET", "/api/admin/tasks/nope", nil).Result().StatusCode())
	assert.Equal(t, 400, doJSON(s, "POST", "/api/admin/tasks", map[string]interface{}{"price": -1, "image_path": "e.jpg"}).Result().StatusCode())
}

func TestMetrics(t *testing.T) {
	s := newTestEnv(t).server(t)
	doJSON(s, "POST", "/api/search", map[string]interface{}{"embedding": []float32{1, 0}})
	w := doJSON(s, "GET", "/metrics", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "search_total")
}
