package vector

import (
	"fmt"

	"visual-search/internal/storage/object"
	"visual-search/pkg/config"
	"visual-search/pkg/log"
)

// NewIndex 根据配置创建向量索引（当前仅支持精确内积检索）
func NewIndex(cfg config.IndexConfig, store object.Store, logger *log.Logger) (*FlatIndex, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("索引维度必须为正数: %d", cfg.Dimension)
	}
	return NewFlatIndex(cfg.Dimension, cfg.Name, store, logger), nil
}
