package object

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("object not found")

// Store 对象存储接口，用于保存向量索引产物等二进制数据
type Store interface {
	// Put 写入对象；实现需保证读者不会看到写了一半的对象
	Put(ctx context.Context, path string, data io.Reader, size int64) error
	// Get 读取对象，不存在时返回 ErrNotFound
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	// Delete 删除对象，不存在时返回 ErrNotFound
	Delete(ctx context.Context, path string) error
	// List 列出前缀匹配的对象
	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
	// Exists 检查对象是否存在
	Exists(ctx context.Context, path string) (bool, error)
	// Close 关闭存储连接
	Close() error
}

// ObjectInfo 对象信息
type ObjectInfo struct {
	Path      string `json:"path"`       // 对象路径
	Size      int64  `json:"size"`       // 对象大小
	CreatedAt int64  `json:"created_at"` // 创建时间
}
