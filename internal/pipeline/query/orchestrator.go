package query

import (
	"context"
	"time"

	"github.com/google/uuid"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/metadata"
	"visual-search/pkg/log"
	"visual-search/pkg/metrics"
	"visual-search/pkg/tracing"
	"visual-search/pkg/utils"
)

// AttributeStore 检索阶段需要的属性批量查询
type AttributeStore interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]*metadata.Item, error)
}

// Options 检索管线参数
type Options struct {
	PageSize            int
	OverFetch           int
	SimilarityThreshold float64
	ModifierBoost       float64
}

// Orchestrator 串联检索、过滤、阈值、偏好重排与反馈融合
type Orchestrator struct {
	retriever *Retriever
	attrs     AttributeStore
	filter    *FilterStage
	threshold *ThresholdStage
	modifier  *ModifierParser
	blend     common.PipelineStage
	pageSize  int
	logger    *log.Logger
}

// NewOrchestrator 创建检索管线；blend 为 nil 时跳过反馈融合
func NewOrchestrator(index Index, attrs AttributeStore, blend common.PipelineStage, opts Options, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Orchestrator{
		retriever: NewRetriever(index, opts.OverFetch),
		attrs:     attrs,
		filter:    NewFilterStage(),
		threshold: NewThresholdStage(opts.SimilarityThreshold),
		modifier:  NewModifierParser(opts.ModifierBoost),
		blend:     blend,
		pageSize:  utils.DefaultInt(opts.PageSize, 10),
		logger:    logger,
	}
}

// Search 执行一次检索。每个阶段只缩减或重排候选，结果在截断前计入 TotalResults
func (o *Orchestrator) Search(ctx context.Context, req *common.SearchRequest) (resp *common.SearchResponse, err error) {
	if req == nil {
		return nil, common.ErrInvalidInput
	}
	k := req.K
	if k <= 0 {
		k = o.pageSize
	}

	pctx := common.NewPipelineContext(ctx, uuid.NewString())
	pctx.Request = req
	pctx.Modifier = o.modifier.Parse(req.TextModifier)

	spanCtx, span := tracing.StartSearchSpan(ctx, k, !pctx.Modifier.IsEmpty())
	pctx.Context = spanCtx
	defer func() {
		out := 0
		if resp != nil {
			out = len(resp.Results)
		}
		tracing.EndSpan(span, out, err)
		pctx.Finish(err)
		o.observe(pctx, resp)
	}()

	cands, err := o.retrieve(pctx, k)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return o.respond(pctx, nil), nil
	}

	o.loadAttrs(pctx, cands)

	stages := []common.PipelineStage{o.filter, o.threshold}
	if !pctx.Modifier.IsEmpty() {
		stages = append(stages, o.modifier)
	}
	if o.blend != nil {
		stages = append(stages, o.blend)
	}
	for _, stage := range stages {
		if cands, err = o.runStage(pctx, stage, cands); err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			break
		}
	}

	total := len(cands)
	resp = o.respond(pctx, Truncate(cands, k))
	resp.TotalResults = total
	return resp, nil
}

func (o *Orchestrator) retrieve(pctx *common.PipelineContext, k int) ([]common.Candidate, error) {
	ctx, span := tracing.StartStageSpan(pctx.Context, o.retriever.Name(), 0)
	start := time.Now()
	parent := pctx.Context
	pctx.Context = ctx
	cands, err := o.retriever.Retrieve(pctx, k)
	pctx.Context = parent
	metrics.SearchDuration.WithLabelValues(o.retriever.Name()).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, len(cands), err)
	return cands, err
}

// loadAttrs 一次批量取回全部候选的属性；失败时按属性缺失处理
func (o *Orchestrator) loadAttrs(pctx *common.PipelineContext, cands []common.Candidate) {
	ctx, span := tracing.StartStageSpan(pctx.Context, "attributes", len(cands))
	start := time.Now()
	attrs, err := o.attrs.GetMany(ctx, common.IDs(cands))
	if err != nil {
		o.logger.Warn("批量查询商品属性失败，按属性缺失处理", "request_id", pctx.ID, "count", len(cands), "error", err)
		attrs = map[int64]*metadata.Item{}
	}
	pctx.Attrs = attrs
	metrics.SearchDuration.WithLabelValues("attributes").Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, len(attrs), nil)
}

func (o *Orchestrator) runStage(pctx *common.PipelineContext, stage common.PipelineStage, in []common.Candidate) ([]common.Candidate, error) {
	ctx, span := tracing.StartStageSpan(pctx.Context, stage.Name(), len(in))
	start := time.Now()
	parent := pctx.Context
	pctx.Context = ctx
	out, err := stage.Execute(pctx, in)
	pctx.Context = parent
	metrics.SearchDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, len(out), err)
	if err != nil {
		return nil, common.NewPipelineError(stage.Name(), "阶段执行失败", err)
	}
	return out, nil
}

func (o *Orchestrator) respond(pctx *common.PipelineContext, cands []common.Candidate) *common.SearchResponse {
	resp := &common.SearchResponse{
		Results:      make([]common.ScoredItem, len(cands)),
		TotalResults: len(cands),
	}
	for i, c := range cands {
		resp.Results[i] = common.ScoredItem{
			ID:    c.ID,
			Score: c.Score,
			Item:  pctx.Attrs[c.ID],
		}
	}
	if !pctx.Modifier.IsEmpty() {
		mod := pctx.Modifier
		resp.Modifier = &mod
	}
	resp.ProcessTime = time.Since(pctx.StartTime)
	return resp
}

func (o *Orchestrator) observe(pctx *common.PipelineContext, resp *common.SearchResponse) {
	elapsed := pctx.Elapsed()
	metrics.SearchDuration.WithLabelValues("total").Observe(elapsed.Seconds())
	switch {
	case pctx.Error != nil:
		stage, _ := common.StageOf(pctx.Error)
		metrics.SearchTotal.WithLabelValues("error").Inc()
		o.logger.Warn("检索失败", "request_id", pctx.ID, "stage", stage, "error", pctx.Error)
	case resp.TotalResults == 0:
		metrics.SearchTotal.WithLabelValues("empty").Inc()
	default:
		metrics.SearchTotal.WithLabelValues("ok").Inc()
		metrics.SearchResults.Observe(float64(resp.TotalResults))
	}
	if pctx.Error == nil {
		o.logger.Debug("检索完成", "request_id", pctx.ID, "total_results", resp.TotalResults,
			"returned", len(resp.Results), "elapsed", elapsed)
	}
}
