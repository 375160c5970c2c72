package query

import (
	"strings"

	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/metadata"
)

// Matches 判断商品是否满足过滤条件：各字段为 AND 关系，空字段不约束。
// 字符串比较忽略大小写，且为精确匹配。
func Matches(item *metadata.Item, f *common.SearchFilter) bool {
	if f == nil {
		return true
	}
	if item == nil {
		return f.IsEmpty()
	}
	if f.PriceMin != nil && item.Price < *f.PriceMin {
		return false
	}
	if f.PriceMax != nil && item.Price > *f.PriceMax {
		return false
	}
	tags := item.Tags()
	if v := strings.TrimSpace(f.Brand); v != "" && !strings.EqualFold(item.Brand, v) {
		return false
	}
	if v := strings.TrimSpace(f.Material); v != "" && !strings.EqualFold(item.Material, v) && !containsFold(tags, v) {
		return false
	}
	if v := strings.TrimSpace(f.Color); v != "" && !containsFold(tags, v) && !strings.EqualFold(item.Material, v) {
		return false
	}
	if v := strings.TrimSpace(f.FrameStyle); v != "" && !containsFold(tags, v) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// FilterStage 属性过滤阶段；属性缺失的候选直接放行
type FilterStage struct {
	name string
}

// NewFilterStage 创建过滤阶段
func NewFilterStage() *FilterStage {
	return &FilterStage{name: "filter"}
}

// Name 返回阶段名称
func (s *FilterStage) Name() string {
	return s.name
}

// Execute 按请求中的过滤条件筛选候选
func (s *FilterStage) Execute(ctx *common.PipelineContext, input []common.Candidate) ([]common.Candidate, error) {
	if ctx.Request == nil || ctx.Request.Filter.IsEmpty() {
		return input, nil
	}
	out := input[:0:0]
	for _, c := range input {
		item, ok := ctx.Attrs[c.ID]
		if !ok || Matches(item, ctx.Request.Filter) {
			out = append(out, c)
		}
	}
	return out, nil
}
