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

package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/sync/errgroup"

	"visual-search/internal/model/vision"
	"visual-search/internal/pipeline/common"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/object"
	"visual-search/pkg/log"
	"visual-search/pkg/metrics"
	"visual-search/pkg/tracing"
)

// 单条入库结果状态
const (
	StatusIndexed = "indexed"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// VectorIndex 入库需要的索引能力
type VectorIndex interface {
	Dimension() int
	Add(ctx context.Context, vectors [][]float32, ids []int64) error
	Persist(ctx context.Context) error
}

// Result 单条入库结果
type Result struct {
	ID        int64  `json:"id,omitempty"`
	ImagePath string `json:"image_path"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Summary 一次入库的汇总
type Summary struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (s *Summary) Add(results []Result) {
	for _, r := range results {
		switch r.Status {
		case StatusIndexed:
			s.Indexed++
		case StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
}

// Options 入库参数
type Options struct {
	BatchSize   int
	Concurrency int
	// Reindex 为 true 时已存在的商品复用原有属性行，只重新写入向量；
	// 用于索引被重置后按目录重建
	Reindex bool
}

// Indexer 商品入库：去重、提取向量、识别属性、写属性表，整批追加到索引。
// 单条失败只记录日志并跳过，不影响同批其他商品
type Indexer struct {
	name        string
	index       VectorIndex
	store       metadata.Store
	images      object.Store
	extractor   vision.Extractor
	classifier  vision.Classifier
	batchSize   int
	concurrency int
	reindex     bool
	logger      *log.Logger
}

// NewIndexer 创建入库器；images/extractor/classifier 均可为 nil
func NewIndexer(index VectorIndex, store metadata.Store, images object.Store, extractor vision.Extractor, classifier vision.Classifier, opts Options, logger *log.Logger) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Indexer{
		name:        "indexer",
		index:       index,
		store:       store,
		images:      images,
		extractor:   extractor,
		classifier:  classifier,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		reindex:     opts.Reindex,
		logger:      logger,
	}
}

// Name 返回组件名称
func (i *Indexer) Name() string {
	return i.name
}

// BatchSize 每批条数
func (i *Indexer) BatchSize() int {
	return i.batchSize
}

type prepared struct {
	entry      *CatalogEntry
	embedding  []float32
	tags       string
	existingID int64 // Reindex 模式下已有属性行的 ID
	result     *Result
}

// IndexBatch 入库一批商品，返回与 entries 一一对应的结果。
// 只有写入索引失败会返回错误，此时该批已写入的属性行没有对应向量，检索时不可见
func (i *Indexer) IndexBatch(ctx context.Context, entries []*CatalogEntry) (results []Result, err error) {
	ctx, span := tracing.StartIngestSpan(ctx, len(entries))
	defer func() {
		indexed := 0
		for _, r := range results {
			if r.Status == StatusIndexed {
				indexed++
			}
			metrics.IngestItemsTotal.WithLabelValues(r.Status).Inc()
		}
		tracing.EndSpan(span, indexed, err)
	}()

	results = make([]Result, len(entries))
	items := make([]*prepared, len(entries))
	seen := make(map[string]bool, len(entries))
	for n, e := range entries {
		results[n] = Result{ImagePath: e.ImagePath}
		items[n] = &prepared{entry: e, result: &results[n]}
		if err := e.Validate(); err != nil {
			i.fail(items[n], err)
			continue
		}
		if seen[e.ImagePath] {
			items[n].result.Status = StatusSkipped
			continue
		}
		seen[e.ImagePath] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for _, p := range items {
		if p.result.Status != "" {
			continue
		}
		p := p
		g.Go(func() error {
			if err := i.prepare(gctx, p); err != nil {
				i.fail(p, err)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	var vectors [][]float32
	var ids []int64
	for _, p := range items {
		if p.result.Status != "" {
			continue
		}
		if p.existingID != 0 {
			p.result.ID = p.existingID
			vectors = append(vectors, p.embedding)
			ids = append(ids, p.existingID)
			continue
		}
		item := &metadata.Item{
			ImagePath: p.entry.ImagePath,
			Brand:     p.entry.Brand,
			Price:     p.entry.Price,
			Material:  p.entry.Material,
			StyleTags: trimTags(p.tags),
		}
		if err := i.store.Create(ctx, item); err != nil {
			if errors.Is(err, metadata.ErrDuplicate) {
				p.result.Status = StatusSkipped
				continue
			}
			i.fail(p, err)
			continue
		}
		p.result.ID = item.ID
		vectors = append(vectors, p.embedding)
		ids = append(ids, item.ID)
	}
	if len(vectors) == 0 {
		return results, nil
	}

	if err := i.index.Add(ctx, vectors, ids); err != nil {
		for _, p := range items {
			if p.result.Status == "" {
				i.fail(p, err)
			}
		}
		return results, common.NewPipelineError(i.name, "写入向量索引失败", err)
	}
	for _, p := range items {
		if p.result.Status == "" {
			p.result.Status = StatusIndexed
		}
	}
	i.logger.Info("批次入库完成", "batch", len(entries), "indexed", len(ids))
	return results, nil
}

// prepare 去重检查，必要时提取向量与识别属性
func (i *Indexer) prepare(ctx context.Context, p *prepared) error {
	existing, err := i.store.GetByImagePath(ctx, p.entry.ImagePath)
	switch {
	case err == nil && !i.reindex:
		p.result.Status = StatusSkipped
		return nil
	case err == nil:
		p.existingID = existing.ID
	case !errors.Is(err, metadata.ErrNotFound):
		return fmt.Errorf("查询已有商品失败: %w", err)
	}

	emb := p.entry.Embedding
	if len(emb) == 0 {
		if emb, err = i.extract(ctx, p.entry); err != nil {
			return err
		}
	}
	if err := checkVector(emb, i.index.Dimension()); err != nil {
		return err
	}
	p.embedding = emb
	p.tags = p.entry.StyleTags

	if p.existingID == 0 && p.tags == "" && i.classifier != nil {
		attrs, err := i.classifier.Classify(ctx, emb)
		if err != nil {
			// 属性识别失败不影响入库
			i.logger.Warn("属性识别失败", "image_path", p.entry.ImagePath, "error", err)
		} else {
			p.tags = attrs.Tags()
		}
	}
	return nil
}

func (i *Indexer) extract(ctx context.Context, e *CatalogEntry) ([]float32, error) {
	if i.extractor == nil {
		return nil, fmt.Errorf("%w: 缺少向量且未配置提取服务", common.ErrEmbeddingFailed)
	}
	img := e.Image
	if len(img) == 0 {
		if i.images == nil {
			return nil, fmt.Errorf("未配置图片目录，无法读取 %s", e.ImagePath)
		}
		rc, err := i.images.Get(ctx, e.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("读取图片失败: %w", err)
		}
		img, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("读取图片失败: %w", err)
		}
	}
	emb, err := i.extractor.Extract(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEmbeddingFailed, err)
	}
	return emb, nil
}

// checkVector 提前排除会导致整批写入失败的向量
func checkVector(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("向量维度 %d 与索引维度 %d 不一致", len(v), dim)
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return fmt.Errorf("向量范数为 0 或非有限值")
	}
	return nil
}

func (i *Indexer) fail(p *prepared, err error) {
	p.result.Status = StatusFailed
	p.result.Error = err.Error()
	i.logger.Warn("商品入库失败", "image_path", p.entry.ImagePath, "error", err)
}

// IngestCatalog 按批读取 JSONL 目录入库，结束后持久化索引
func (i *Indexer) IngestCatalog(ctx context.Context, r io.Reader) (*Summary, error) {
	summary := &Summary{}
	batch := make([]*CatalogEntry, 0, i.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		results, err := i.IndexBatch(ctx, batch)
		summary.Add(results)
		batch = batch[:0]
		return err
	}

	err := ReadCatalog(r, func(line int, entry *CatalogEntry, err error) error {
		if err != nil {
			summary.Failed++
			metrics.IngestItemsTotal.WithLabelValues(StatusFailed).Inc()
			i.logger.Warn("跳过无效目录行", "line", line, "error", err)
			return nil
		}
		batch = append(batch, entry)
		if len(batch) >= i.batchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return summary, common.NewPipelineError(i.name, "目录入库失败", err)
	}
	return summary, i.persist(ctx, summary)
}

// IngestDirectory 将图片目录下尚未入库的图片全部入库，属性只有图片路径与识别出的标签
func (i *Indexer) IngestDirectory(ctx context.Context) (*Summary, error) {
	if i.images == nil {
		return nil, fmt.Errorf("未配置图片目录")
	}
	paths, err := ListImages(ctx, i.images)
	if err != nil {
		return nil, fmt.Errorf("列出图片失败: %w", err)
	}
	summary := &Summary{}
	for start := 0; start < len(paths); start += i.batchSize {
		end := start + i.batchSize
		if end > len(paths) {
			end = len(paths)
		}
		batch := make([]*CatalogEntry, 0, end-start)
		for _, p := range paths[start:end] {
			batch = append(batch, &CatalogEntry{ImagePath: p})
		}
		results, err := i.IndexBatch(ctx, batch)
		summary.Add(results)
		if err != nil {
			return summary, common.NewPipelineError(i.name, "目录入库失败", err)
		}
	}
	return summary, i.persist(ctx, summary)
}

func (i *Indexer) persist(ctx context.Context, summary *Summary) error {
	i.logger.Info("入库完成", "indexed", summary.Indexed, "skipped", summary.Skipped, "failed", summary.Failed)
	if summary.Indexed == 0 {
		return nil
	}
	if err := i.index.Persist(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrIndexingFailed, err)
	}
	return nil
}

// SetExtractor 设置向量提取服务
func (i *Indexer) SetExtractor(e vision.Extractor) {
	i.extractor = e
}

// SetClassifier 设置属性识别服务
func (i *Indexer) SetClassifier(c vision.Classifier) {
	i.classifier = c
}

func trimTags(tags string) string {
	parts := strings.Split(tags, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
