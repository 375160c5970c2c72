package vector

import (
	"errors"
)

// 索引相关错误
var (
	// ErrDimensionMismatch 向量维度与索引不符，或向量与 id 数量不一致
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidVector 向量范数为 0 或含 NaN/Inf，无法归一化
	ErrInvalidVector = errors.New("invalid vector")
	// ErrCorruptIndex 持久化的索引产物不完整或互相不一致
	ErrCorruptIndex = errors.New("corrupt persisted index")
)

// IndexTypeFlatIP 精确内积检索（单位向量下等价于余弦相似度）
const IndexTypeFlatIP = "FlatIP (cosine similarity)"

// Hit 一条检索命中
type Hit struct {
	ID      int64   `json:"id"`
	Score   float64 `json:"score"`   // 余弦相似度，已截断到 [0,1]
	Ordinal int     `json:"ordinal"` // 插入序号
}

// Stats 索引统计
type Stats struct {
	TotalVectors int    `json:"total_vectors"`
	Dimension    int    `json:"dimension"`
	IndexType    string `json:"index_type"`
}
