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

package ingestqueue

import (
	"context"
	"fmt"
	"time"

	"visual-search/internal/pipeline/ingest"
	"visual-search/pkg/config"
	"visual-search/pkg/utils"
)

// 任务状态
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task 一条异步入库任务
type Task struct {
	ID          string               `json:"task_id"`
	Entry       *ingest.CatalogEntry `json:"entry,omitempty"`
	Status      string               `json:"status"`
	WorkerID    string               `json:"worker_id,omitempty"`
	Result      *ingest.Result       `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Queue 入库任务队列：API 入队，Worker 认领后批量写入索引
type Queue interface {
	// Enqueue 入队，返回 task_id
	Enqueue(ctx context.Context, entry *ingest.CatalogEntry) (string, error)
	// ClaimOne 原子认领最早的一条 pending 任务；无任务时返回 nil, nil
	ClaimOne(ctx context.Context, workerID string) (*Task, error)
	// MarkCompleted 记录入库结果；结果为 failed 的任务同样视为已完成
	MarkCompleted(ctx context.Context, taskID string, result *ingest.Result) error
	// MarkFailed 标记任务失败
	MarkFailed(ctx context.Context, taskID string, errMsg string) error
	// Get 查询任务；不存在时返回 errors.ErrNotFound
	Get(ctx context.Context, taskID string) (*Task, error)
	Close() error
}

// NewQueue 根据配置创建队列；未配置时返回 nil
func NewQueue(ctx context.Context, cfg *config.Config) (Queue, error) {
	switch cfg.Ingest.Queue {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryQueue(), nil
	case "postgres":
		dsn := utils.CoalesceString(cfg.Ingest.QueueDSN, cfg.Storage.Metadata.DSN)
		return NewPostgresQueue(ctx, dsn, cfg.Storage.Metadata.PoolSize)
	default:
		return nil, fmt.Errorf("不支持的入库队列类型: %s", cfg.Ingest.Queue)
	}
}
