package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 缓存未命中（不存在或已过期）
var ErrMiss = errors.New("cache miss")

// Store 缓存存储接口；值以 JSON 序列化保存
type Store interface {
	// Set 设置缓存，expiration <= 0 表示不过期
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get 获取缓存并反序列化到 dest，未命中时返回 ErrMiss
	Get(ctx context.Context, key string, dest interface{}) error
	// GetMulti 批量获取原始 JSON，未命中的 key 不出现在结果中
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	// SetMulti 批量设置缓存
	SetMulti(ctx context.Context, values map[string]interface{}, expiration time.Duration) error
	// Delete 删除缓存，key 不存在不视为错误
	Delete(ctx context.Context, keys ...string) error
	// Exists 检查缓存是否存在
	Exists(ctx context.Context, key string) (bool, error)
	// Clear 清除所有缓存
	Clear(ctx context.Context) error
	// Close 关闭缓存连接
	Close() error
}
