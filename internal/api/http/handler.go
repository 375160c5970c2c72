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
	"strconv"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"visual-search/internal/ingestqueue"
	"visual-search/internal/model/vision"
	"visual-search/internal/pipeline/common"
	"visual-search/internal/pipeline/ingest"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/vector"
	pkgerrors "visual-search/pkg/errors"
	"visual-search/pkg/metrics"
)

// Searcher 检索管线
type Searcher interface {
	Search(ctx context.Context, req *common.SearchRequest) (*common.SearchResponse, error)
}

// FeedbackService 反馈记录与人工加权
type FeedbackService interface {
	Record(ctx context.Context, itemID int64, relevant bool, queryContext string) (*metadata.Item, error)
	Boost(ctx context.Context, itemID int64, factor float64) (*metadata.Item, error)
}

// Catalog 商品查询与统计
type Catalog interface {
	GetItem(ctx context.Context, id int64) (*metadata.Item, error)
	ItemStats(ctx context.Context, id int64) (*metadata.ItemStats, error)
	CatalogStats(ctx context.Context) (*metadata.CatalogStats, error)
}

// IndexAdmin 索引统计与持久化
type IndexAdmin interface {
	Stats() vector.Stats
	Persist(ctx context.Context) error
	Reload(ctx context.Context) error
}

// Ingester API 入库（批量合并写入）
type Ingester interface {
	Submit(ctx context.Context, entry *ingest.CatalogEntry) (*ingest.Result, error)
}

// TaskQueue 异步入库任务
type TaskQueue interface {
	Enqueue(ctx context.Context, entry *ingest.CatalogEntry) (string, error)
	Get(ctx context.Context, taskID string) (*ingestqueue.Task, error)
}

// Handler HTTP 处理器
type Handler struct {
	search     Searcher
	feedback   FeedbackService
	catalog    Catalog
	index      IndexAdmin
	ingester   Ingester
	tasks      TaskQueue
	extractor  vision.Extractor
	classifier vision.Classifier
}

// NewHandler 创建处理器；未注入的依赖对应接口返回 503
func NewHandler(search Searcher, feedback FeedbackService, catalog Catalog, index IndexAdmin) *Handler {
	return &Handler{
		search:   search,
		feedback: feedback,
		catalog:  catalog,
		index:    index,
	}
}

// SetIngester 设置 API 入库
func (h *Handler) SetIngester(i Ingester) {
	h.ingester = i
}

// SetTaskQueue 设置异步入库队列
func (h *Handler) SetTaskQueue(q TaskQueue) {
	h.tasks = q
}

// SetVision 设置图片检索使用的向量提取与属性识别；classifier 可为 nil
func (h *Handler) SetVision(e vision.Extractor, c vision.Classifier) {
	h.extractor = e
	h.classifier = c
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	resp := map[string]interface{}{"status": "ok"}
	if h.index != nil {
		resp["vector_db"] = h.index.Stats()
	}
	c.JSON(consts.StatusOK, resp)
}

// GetProduct 商品详情
func (h *Handler) GetProduct(ctx context.Context, c *app.RequestContext) {
	if h.catalog == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	it, err := h.catalog.GetItem(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, it)
}

// GetProductStats 商品点击与反馈统计
func (h *Handler) GetProductStats(ctx context.Context, c *app.RequestContext) {
	if h.catalog == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	st, err := h.catalog.ItemStats(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, st)
}

type feedbackRequest struct {
	ProductID    int64  `json:"product_id"`
	IsRelevant   *bool  `json:"is_relevant"`
	QueryContext string `json:"query_context"`
}

// Feedback 记录用户反馈
func (h *Handler) Feedback(ctx context.Context, c *app.RequestContext) {
	if h.feedback == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	var req feedbackRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "请求体不是合法 JSON: "+err.Error())
		return
	}
	if req.ProductID <= 0 || req.IsRelevant == nil {
		badRequest(c, "product_id 与 is_relevant 必填")
		return
	}
	it, err := h.feedback.Record(ctx, req.ProductID, *req.IsRelevant, req.QueryContext)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":          "success",
		"message":         "Feedback recorded",
		"relevance_score": it.RelevanceScore,
		"click_count":     it.ClickCount,
	})
}

// Stats 商品库与索引统计
func (h *Handler) Stats(ctx context.Context, c *app.RequestContext) {
	if h.catalog == nil || h.index == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	st, err := h.catalog.CatalogStats(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"total_products": st.TotalProducts,
		"total_feedback": st.TotalFeedback,
		"vector_db":      h.index.Stats(),
	})
}

// Metrics Prometheus 文本格式指标
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(ctx, "导出指标失败: %v", err)
		c.String(consts.StatusInternalServerError, err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

func pathID(c *app.RequestContext) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "非法的商品 id: "+c.Param("id"))
		return 0, false
	}
	return id, true
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// writeError 把内部错误映射为 HTTP 状态码
func writeError(c *app.RequestContext, err error) {
	code := consts.StatusInternalServerError
	field, invalid := common.FieldOf(err)
	switch {
	case invalid,
		pkgerrors.Is(err, common.ErrInvalidInput),
		pkgerrors.Is(err, vector.ErrDimensionMismatch),
		pkgerrors.Is(err, vector.ErrInvalidVector),
		pkgerrors.Is(err, pkgerrors.ErrInvalidArg):
		code = consts.StatusBadRequest
	case pkgerrors.Is(err, pkgerrors.ErrNotFound):
		code = consts.StatusNotFound
	case pkgerrors.Is(err, pkgerrors.ErrConflict):
		code = consts.StatusConflict
	case pkgerrors.Is(err, pkgerrors.ErrUnavailable),
		pkgerrors.Is(err, vision.ErrUnavailable),
		pkgerrors.Is(err, ingest.ErrBatcherClosed):
		code = consts.StatusServiceUnavailable
	}
	body := map[string]string{"error": err.Error()}
	if invalid {
		body["field"] = field
	}
	stage, staged := common.StageOf(err)
	if staged {
		body["stage"] = stage
	}
	if code == consts.StatusInternalServerError {
		hlog.Errorf("请求处理失败: stage=%s: %v", stage, err)
	}
	c.JSON(code, body)
}
