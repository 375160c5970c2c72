package metadata

import (
	"context"
)

const defaultListLimit = 1000

// CatalogStats 商品库整体统计
type CatalogStats struct {
	TotalProducts int64 `json:"total_products"`
	TotalFeedback int64 `json:"total_feedback"`
}

// ItemStats 单个商品的点击与反馈统计
type ItemStats struct {
	ProductID      int64   `json:"product_id"`
	ClickCount     int64   `json:"click_count"`
	RelevanceScore float64 `json:"relevance_score"`
	FeedbackCounts
	TotalFeedback int64 `json:"total_feedback"`
}

// Repository 封装 Store，提供 HTTP 与管理命令使用的业务方法
type Repository struct {
	store Store
}

// NewRepository 从 Store 创建 Repository
func NewRepository(store Store) *Repository {
	return &Repository{store: store}
}

// Store 返回底层存储
func (r *Repository) Store() Store {
	return r.store
}

// ListItems 列出商品（默认分页）
func (r *Repository) ListItems(ctx context.Context, pagination *Pagination) ([]*Item, error) {
	if pagination == nil || pagination.Limit <= 0 {
		p := Pagination{Limit: defaultListLimit}
		if pagination != nil {
			p.Offset = pagination.Offset
		}
		pagination = &p
	}
	return r.store.List(ctx, pagination)
}

// GetItem 按 ID 获取商品
func (r *Repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	return r.store.Get(ctx, id)
}

// ItemStats 汇总商品属性与反馈计数
func (r *Repository) ItemStats(ctx context.Context, id int64) (*ItemStats, error) {
	it, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.FeedbackCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ItemStats{
		ProductID:      it.ID,
		ClickCount:     it.ClickCount,
		RelevanceScore: it.RelevanceScore,
		FeedbackCounts: *counts,
		TotalFeedback:  counts.Total(),
	}, nil
}

// CatalogStats 统计商品与反馈总数
func (r *Repository) CatalogStats(ctx context.Context) (*CatalogStats, error) {
	products, err := r.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	feedback, err := r.store.CountFeedback(ctx)
	if err != nil {
		return nil, err
	}
	return &CatalogStats{TotalProducts: products, TotalFeedback: feedback}, nil
}
