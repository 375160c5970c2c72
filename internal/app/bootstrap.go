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

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"visual-search/internal/ingestqueue"
	"visual-search/internal/model"
	"visual-search/internal/model/vision"
	"visual-search/internal/pipeline/feedback"
	"visual-search/internal/pipeline/ingest"
	"visual-search/internal/pipeline/query"
	"visual-search/internal/storage/cache"
	"visual-search/internal/storage/metadata"
	"visual-search/internal/storage/object"
	"visual-search/internal/storage/vector"
	"visual-search/pkg/config"
	"visual-search/pkg/log"
	"visual-search/pkg/utils"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务与 pipeline
type Bootstrap struct {
	Config     *config.Config
	Logger     *log.Logger
	Artifacts  object.Store // 索引持久化产物
	Images     object.Store // 待入库图片目录，未配置时为 nil
	Index      *vector.FlatIndex
	Metadata   metadata.Store // 配置了缓存时为带缓存的装饰
	Repository *metadata.Repository
	Ranker     *feedback.Ranker
	Search     *query.Orchestrator
	Indexer    *ingest.Indexer
	Queue      ingestqueue.Queue // 异步入库队列，未配置时为 nil
	Extractor  vision.Extractor  // 可为 nil
	Classifier vision.Classifier // 可为 nil

	closers []func() error
}

// NewBootstrap 根据配置创建 Bootstrap（Storage/Index/Models/Pipeline），并从持久化产物恢复索引
func NewBootstrap(ctx context.Context, cfg *config.Config) (_ *Bootstrap, err error) {
	if cfg == nil {
		return nil, errors.New("配置为空")
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	if b.Artifacts, err = object.NewStore(cfg.Storage.Object); err != nil {
		return nil, fmt.Errorf("初始化索引存储失败: %w", err)
	}
	b.closers = append(b.closers, b.Artifacts.Close)

	if b.Index, err = vector.NewIndex(cfg.Index, b.Artifacts, logger); err != nil {
		return nil, fmt.Errorf("初始化向量索引失败: %w", err)
	}
	// 产物损坏时以空索引启动，已记录告警；其他错误（如存储不可读）直接失败
	if err = b.Index.Reload(ctx); err != nil {
		if !errors.Is(err, vector.ErrCorruptIndex) {
			return nil, fmt.Errorf("加载向量索引失败: %w", err)
		}
		err = nil
	}

	if b.Metadata, err = newMetadataStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.Metadata.Close)
	b.Repository = metadata.NewRepository(b.Metadata)

	if b.Extractor, b.Classifier, err = model.NewVision(cfg.Model.Vision, cfg.Index.Dimension); err != nil {
		return nil, fmt.Errorf("初始化视觉模型失败: %w", err)
	}

	b.Ranker = feedback.NewRanker(b.Metadata, cfg.Search.SimilarityWeight, cfg.Search.RelevanceWeight, logger)
	b.Search = query.NewOrchestrator(b.Index, b.Metadata, b.Ranker, query.Options{
		PageSize:            cfg.Search.PageSize,
		OverFetch:           cfg.Index.OverFetch,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		ModifierBoost:       cfg.Search.ModifierBoost,
	}, logger)

	if cfg.Ingest.ImageDir != "" {
		fs, err := object.NewFileStore(cfg.Ingest.ImageDir)
		if err != nil {
			return nil, fmt.Errorf("打开图片目录失败: %w", err)
		}
		b.Images = fs
		b.closers = append(b.closers, fs.Close)
	}
	b.Indexer = b.newIndexer(false)

	if b.Queue, err = ingestqueue.NewQueue(ctx, cfg); err != nil {
		return nil, fmt.Errorf("初始化入库队列失败: %w", err)
	}
	if b.Queue != nil {
		b.closers = append(b.closers, b.Queue.Close)
	}

	logger.Info("初始化完成",
		"vectors", b.Index.Size(),
		"dimension", b.Index.Dimension(),
		"metadata", utils.CoalesceString(cfg.Storage.Metadata.Type, "memory"),
		"cache", cfg.Storage.Cache.Type,
		"queue", cfg.Ingest.Queue,
		"vision", b.Extractor != nil)
	return b, nil
}

func (b *Bootstrap) newIndexer(reindex bool) *ingest.Indexer {
	return ingest.NewIndexer(b.Index, b.Metadata, b.Images, b.Extractor, b.Classifier, ingest.Options{
		BatchSize:   b.Config.Ingest.BatchSize,
		Concurrency: b.Config.Ingest.Concurrency,
		Reindex:     reindex,
	}, b.Logger)
}

// ReindexIndexer 返回复用已有属性行的入库器，索引重置后重建用
func (b *Bootstrap) ReindexIndexer() *ingest.Indexer {
	return b.newIndexer(true)
}

// newMetadataStore 创建属性存储；配置了缓存时包一层读穿缓存
func newMetadataStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (metadata.Store, error) {
	store, err := metadata.NewStore(ctx, cfg.Storage.Metadata)
	if err != nil {
		return nil, fmt.Errorf("初始化属性存储失败: %w", err)
	}
	c, err := cache.NewCache(ctx, cfg.Storage.Cache)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}
	if c == nil {
		return store, nil
	}
	ttl := utils.ParseDuration(cfg.Storage.Cache.TTL, 10*time.Minute)
	return metadata.NewCachedStore(store, c, ttl, logger), nil
}

// Close 按创建的逆序关闭资源
func (b *Bootstrap) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
