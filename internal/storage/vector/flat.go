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

package vector

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"visual-search/internal/storage/object"
	"visual-search/pkg/log"
	"visual-search/pkg/metrics"
)

// FlatIndex 精确暴力内积检索索引，只追加不修改。
//
// 写操作（Add/Persist/Reload/Reset）由 writeMu 串行化；mu 只保护 data/ids 切片头，
// 读者在 RLock 下复制切片头后无锁扫描。已写入的元素不会再被改动，
// append 只写入读者快照长度之外的位置，因此快照始终一致。
type FlatIndex struct {
	dim    int
	name   string
	store  object.Store
	logger *log.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	data    []float32 // 连续存放，第 i 个向量为 data[i*dim:(i+1)*dim]
	ids     []int64   // ids[i] 为第 i 个向量对应的商品 id
}

// NewFlatIndex 创建空索引；store 为 nil 时 Persist/Reload 不可用
func NewFlatIndex(dim int, name string, store object.Store, logger *log.Logger) *FlatIndex {
	if name == "" {
		name = "faiss"
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FlatIndex{dim: dim, name: name, store: store, logger: logger}
}

// Dimension 向量维度
func (x *FlatIndex) Dimension() int {
	return x.dim
}

// Size 当前向量数
func (x *FlatIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Stats 索引统计
func (x *FlatIndex) Stats() Stats {
	return Stats{TotalVectors: x.Size(), Dimension: x.dim, IndexType: IndexTypeFlatIP}
}

// IDs 返回插入序到商品 id 的映射副本
func (x *FlatIndex) IDs() []int64 {
	_, ids := x.snapshot()
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

// Vector 返回第 ordinal 个已存储向量的副本
func (x *FlatIndex) Vector(ordinal int) ([]float32, bool) {
	data, ids := x.snapshot()
	if ordinal < 0 || ordinal >= len(ids) {
		return nil, false
	}
	out := make([]float32, x.dim)
	copy(out, data[ordinal*x.dim:(ordinal+1)*x.dim])
	return out, true
}

func (x *FlatIndex) snapshot() ([]float32, []int64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := len(x.ids)
	return x.data[:n*x.dim], x.ids[:n]
}

// Add 批量追加向量。任一向量不合法时整批拒绝，不会部分写入。
// 调用方的切片不会被修改，存储的是归一化后的副本。
func (x *FlatIndex) Add(ctx context.Context, vectors [][]float32, ids []int64) error {
	if len(vectors) != len(ids) {
		return fmt.Errorf("%w: %d 个向量对应 %d 个 id", ErrDimensionMismatch, len(vectors), len(ids))
	}
	if len(vectors) == 0 {
		return nil
	}
	buf := make([]float32, 0, len(vectors)*x.dim)
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("%w: 第 %d 个向量维度 %d，索引维度 %d", ErrDimensionMismatch, i, len(v), x.dim)
		}
		start := len(buf)
		buf = append(buf, v...)
		if err := normalize(buf[start:]); err != nil {
			return fmt.Errorf("第 %d 个向量 (id=%d): %w", i, ids[i], err)
		}
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	x.data = append(x.data, buf...)
	x.ids = append(x.ids, ids...)
	total := len(x.ids)
	x.mu.Unlock()

	metrics.IndexVectors.Set(float64(total))
	x.logger.Debug("向量已加入索引", "added", len(ids), "total", total)
	return nil
}

// Search 返回与 query 最相近的 min(k*overFetch, size) 个结果，按相似度降序，
// 相同得分按插入序。空索引返回空结果而非错误。
func (x *FlatIndex) Search(ctx context.Context, query []float32, k, overFetch int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: 查询维度 %d，索引维度 %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	if overFetch <= 0 {
		overFetch = 1
	}
	data, ids := x.snapshot()
	n := len(ids)
	if n == 0 {
		return []Hit{}, nil
	}
	q := make([]float32, x.dim)
	copy(q, query)
	if err := normalize(q); err != nil {
		return nil, fmt.Errorf("查询向量: %w", err)
	}

	width := k * overFetch
	if width > n || width < 0 {
		width = n
	}

	h := make(hitHeap, 0, width)
	for i := 0; i < n; i++ {
		if i%4096 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// 先截断再比较，超出 1 的浮点误差不参与排序
		s := clamp01(dot(q, data[i*x.dim:(i+1)*x.dim]))
		if len(h) < width {
			heap.Push(&h, scored{ordinal: i, score: s})
			continue
		}
		if better(scored{ordinal: i, score: s}, h[0]) {
			h[0] = scored{ordinal: i, score: s}
			heap.Fix(&h, 0)
		}
	}

	sort.Slice(h, func(i, j int) bool { return better(h[i], h[j]) })
	hits := make([]Hit, len(h))
	for i, c := range h {
		hits[i] = Hit{ID: ids[c.ordinal], Score: c.score, Ordinal: c.ordinal}
	}
	return hits, nil
}

// Persist 将向量与 id 映射成对写入对象存储。失败时内存索引不受影响。
func (x *FlatIndex) Persist(ctx context.Context) error {
	if x.store == nil {
		return fmt.Errorf("索引未配置持久化存储")
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	data, ids := x.snapshot()
	err := x.persistLocked(ctx, data, ids)
	if err != nil {
		metrics.IndexPersistTotal.WithLabelValues("failed").Inc()
		x.logger.Error("索引持久化失败", "index", x.name, "error", err)
		return err
	}
	metrics.IndexPersistTotal.WithLabelValues("ok").Inc()
	x.logger.Info("索引已持久化", "index", x.name, "vectors", len(ids))
	return nil
}

func (x *FlatIndex) persistLocked(ctx context.Context, data []float32, ids []int64) error {
	var blob, table bytes.Buffer
	if err := encodeBlob(&blob, x.dim, data); err != nil {
		return fmt.Errorf("编码向量失败: %w", err)
	}
	if err := encodeIDs(&table, ids); err != nil {
		return fmt.Errorf("编码 id 映射失败: %w", err)
	}
	if err := x.store.Put(ctx, x.blobPath(), &blob, int64(blob.Len())); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", x.blobPath(), err)
	}
	if err := x.store.Put(ctx, x.idsPath(), &table, int64(table.Len())); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", x.idsPath(), err)
	}
	return nil
}

// Reload 从对象存储重新加载索引。
// 产物都不存在时得到空索引并返回 nil；产物残缺或不一致时同样回退为空索引，但返回 ErrCorruptIndex。
func (x *FlatIndex) Reload(ctx context.Context) error {
	if x.store == nil {
		return fmt.Errorf("索引未配置持久化存储")
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	data, ids, err := x.load(ctx)
	switch {
	case err == nil:
		x.replace(data, ids)
		x.logger.Info("索引已加载", "index", x.name, "vectors", len(ids))
		return nil
	case errors.Is(err, object.ErrNotFound):
		x.replace(nil, nil)
		x.logger.Warn("未找到持久化索引，使用空索引", "index", x.name)
		return nil
	default:
		x.replace(nil, nil)
		x.logger.Warn("持久化索引损坏，使用空索引", "index", x.name, "error", err)
		return err
	}
}

func (x *FlatIndex) load(ctx context.Context) ([]float32, []int64, error) {
	blobOK, err := x.store.Exists(ctx, x.blobPath())
	if err != nil {
		return nil, nil, err
	}
	idsOK, err := x.store.Exists(ctx, x.idsPath())
	if err != nil {
		return nil, nil, err
	}
	if !blobOK && !idsOK {
		return nil, nil, object.ErrNotFound
	}
	if blobOK != idsOK {
		return nil, nil, fmt.Errorf("%w: 产物不成对 (vectors=%v, ids=%v)", ErrCorruptIndex, blobOK, idsOK)
	}

	rc, err := x.store.Get(ctx, x.blobPath())
	if err != nil {
		return nil, nil, err
	}
	data, count, err := decodeBlob(rc, x.dim)
	rc.Close()
	if err != nil {
		return nil, nil, err
	}

	rc, err = x.store.Get(ctx, x.idsPath())
	if err != nil {
		return nil, nil, err
	}
	ids, err := decodeIDs(rc)
	rc.Close()
	if err != nil {
		return nil, nil, err
	}
	if len(ids) != count {
		return nil, nil, fmt.Errorf("%w: %d 个向量对应 %d 个 id", ErrCorruptIndex, count, len(ids))
	}
	return data, ids, nil
}

// Reset 清空索引并删除持久化产物
func (x *FlatIndex) Reset(ctx context.Context) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if x.store != nil {
		for _, p := range []string{x.blobPath(), x.idsPath()} {
			if err := x.store.Delete(ctx, p); err != nil && !errors.Is(err, object.ErrNotFound) {
				return fmt.Errorf("删除 %s 失败: %w", p, err)
			}
		}
	}
	x.replace(nil, nil)
	x.logger.Info("索引已重置", "index", x.name)
	return nil
}

// replace 整体替换数据；新切片与旧切片不共享底层数组，持有旧快照的读者不受影响
func (x *FlatIndex) replace(data []float32, ids []int64) {
	x.mu.Lock()
	x.data = data
	x.ids = ids
	x.mu.Unlock()
	metrics.IndexVectors.Set(float64(len(ids)))
}

func (x *FlatIndex) blobPath() string {
	return x.name + ".index"
}

func (x *FlatIndex) idsPath() string {
	return x.name + "_ids.json"
}

// normalize 原地归一化到单位 L2 范数
func normalize(v []float32) error {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return ErrInvalidVector
	}
	inv := 1 / norm
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return nil
}

func dot(a, b []float32) float64 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return float64(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type scored struct {
	ordinal int
	score   float64
}

// better 得分高者优先，同分时插入序小者优先
func better(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.ordinal < b.ordinal
}

// hitHeap 堆顶是当前保留结果中最差的一个
type hitHeap []scored

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(v interface{}) { *h = append(*h, v.(scored)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
