package http

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"visual-search/internal/ingestqueue"
	"visual-search/internal/pipeline/ingest"
	pkgerrors "visual-search/pkg/errors"
)

// AddItem 提交一个商品入库；同一时间窗口内的请求合并为一次索引写入
func (h *Handler) AddItem(ctx context.Context, c *app.RequestContext) {
	if h.ingester == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	var entry ingest.CatalogEntry
	if err := c.BindJSON(&entry); err != nil {
		badRequest(c, "请求体不是合法 JSON: "+err.Error())
		return
	}
	if err := entry.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.ingester.Submit(ctx, &entry)
	if err != nil {
		writeError(c, err)
		return
	}
	code := consts.StatusCreated
	switch res.Status {
	case ingest.StatusSkipped:
		code = consts.StatusOK
	case ingest.StatusFailed:
		code = consts.StatusUnprocessableEntity
	}
	c.JSON(code, res)
}

// EnqueueItem 提交异步入库任务，立即返回 task_id
func (h *Handler) EnqueueItem(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	var entry ingest.CatalogEntry
	if err := c.BindJSON(&entry); err != nil {
		badRequest(c, "请求体不是合法 JSON: "+err.Error())
		return
	}
	if err := entry.Validate(); err != nil {
		badRequest(c, err.Error())
		return
	}
	id, err := h.tasks.Enqueue(ctx, &entry)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]interface{}{"task_id": id, "status": ingestqueue.StatusPending})
}

// GetTask 查询异步入库任务
func (h *Handler) GetTask(ctx context.Context, c *app.RequestContext) {
	if h.tasks == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	t, err := h.tasks.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	// 不回传图片内容与向量
	t.Entry = nil
	c.JSON(consts.StatusOK, t)
}

// PersistIndex 立即持久化索引
func (h *Handler) PersistIndex(ctx context.Context, c *app.RequestContext) {
	if h.index == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	if err := h.index.Persist(ctx); err != nil {
		writeError(c, err)
		return
	}
	hlog.CtxInfof(ctx, "索引已持久化: %d 个向量", h.index.Stats().TotalVectors)
	c.JSON(consts.StatusOK, map[string]interface{}{"status": "persisted", "vector_db": h.index.Stats()})
}

// ReloadIndex 从持久化产物重新加载索引
func (h *Handler) ReloadIndex(ctx context.Context, c *app.RequestContext) {
	if h.index == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	if err := h.index.Reload(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"status": "reloaded", "vector_db": h.index.Stats()})
}

type boostRequest struct {
	Factor float64 `json:"factor"`
}

// BoostProduct 人工放大商品的反馈得分，结果截断到 1
func (h *Handler) BoostProduct(ctx context.Context, c *app.RequestContext) {
	if h.feedback == nil {
		writeError(c, pkgerrors.ErrUnavailable)
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req boostRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "请求体不是合法 JSON: "+err.Error())
		return
	}
	it, err := h.feedback.Boost(ctx, id, req.Factor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, it)
}
