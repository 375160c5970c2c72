package metadata

import (
	"context"
	"strings"

	pkgerrors "visual-search/pkg/errors"
)

// 存储层错误，与 pkg/errors 的哨兵一致，便于 HTTP 层统一映射
var (
	ErrNotFound  = pkgerrors.ErrNotFound
	ErrDuplicate = pkgerrors.ErrConflict
)

// Store 商品属性与反馈存储接口
type Store interface {
	// Create 创建商品；ID 为 0 时由存储分配。image_path 重复时返回 ErrDuplicate
	Create(ctx context.Context, item *Item) error
	// Get 根据 ID 获取商品，不存在时返回 ErrNotFound
	Get(ctx context.Context, id int64) (*Item, error)
	// GetMany 批量获取商品，不存在的 id 不出现在结果中
	GetMany(ctx context.Context, ids []int64) (map[int64]*Item, error)
	// GetByImagePath 按图片路径查找商品，入库去重用
	GetByImagePath(ctx context.Context, path string) (*Item, error)
	// Update 原子地读取、修改并写回商品；mutate 返回错误时不写回
	Update(ctx context.Context, id int64, mutate func(*Item) error) (*Item, error)
	// List 按 ID 升序列出商品
	List(ctx context.Context, pagination *Pagination) ([]*Item, error)
	// Count 统计商品数量
	Count(ctx context.Context) (int64, error)
	// RecordFeedback 记录一条反馈事件
	RecordFeedback(ctx context.Context, ev *FeedbackEvent) error
	// FeedbackCounts 统计某商品的反馈数
	FeedbackCounts(ctx context.Context, itemID int64) (*FeedbackCounts, error)
	// CountFeedback 统计反馈总数
	CountFeedback(ctx context.Context) (int64, error)
	// Close 关闭存储连接
	Close() error
}

// Item 商品属性
type Item struct {
	ID             int64   `json:"id"`
	ImagePath      string  `json:"image_path"`
	Brand          string  `json:"brand"`
	Price          float64 `json:"price"`
	Material       string  `json:"material"`
	StyleTags      string  `json:"style_tags"`      // 逗号分隔，如 "Aviator,Black,Metal"
	RelevanceScore float64 `json:"relevance_score"` // [0,1]，由反馈更新
	ClickCount     int64   `json:"click_count"`
	CreatedAt      int64   `json:"created_at"`
}

// Tags 拆分 StyleTags，去掉空白与空项
func (it *Item) Tags() []string {
	if it == nil || it.StyleTags == "" {
		return nil
	}
	parts := strings.Split(it.StyleTags, ",")
	tags := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// Clone 返回副本
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	return &c
}

// FeedbackEvent 用户反馈事件，写入后不再修改
type FeedbackEvent struct {
	ID           string `json:"id"`
	ItemID       int64  `json:"product_id"`
	Relevant     bool   `json:"is_relevant"`
	QueryContext string `json:"query_context,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// FeedbackCounts 单个商品的反馈统计
type FeedbackCounts struct {
	Relevant    int64 `json:"relevant_feedback"`
	NotRelevant int64 `json:"not_relevant_feedback"`
}

// Total 反馈总数
func (c *FeedbackCounts) Total() int64 {
	return c.Relevant + c.NotRelevant
}

// Pagination 分页参数
type Pagination struct {
	Offset int `json:"offset"` // 偏移量
	Limit  int `json:"limit"`  // 限制数量
}
