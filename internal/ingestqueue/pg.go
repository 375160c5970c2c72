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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"visual-search/internal/pipeline/ingest"
	pkgerrors "visual-search/pkg/errors"
)

const queueSchema = `
CREATE TABLE IF NOT EXISTS ingest_tasks (
	id           TEXT        PRIMARY KEY,
	payload      JSONB       NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'pending',
	worker_id    TEXT,
	result       JSONB,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_ingest_tasks_pending ON ingest_tasks(created_at) WHERE status = 'pending';
`

// PostgresQueue 基于 ingest_tasks 表的队列，API 与多个 Worker 进程共享
type PostgresQueue struct {
	pool *pgxpool.Pool
}

// NewPostgresQueue 连接数据库并建表；可与商品存储共用 DSN
func NewPostgresQueue(ctx context.Context, dsn string, poolSize int) (*PostgresQueue, error) {
	if dsn == "" {
		return nil, errors.New("postgres 队列需要配置 dsn")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 postgres dsn 失败: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, queueSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 ingest_tasks 表失败: %w", err)
	}
	return &PostgresQueue{pool: pool}, nil
}

// Enqueue 实现 Queue
func (q *PostgresQueue) Enqueue(ctx context.Context, entry *ingest.CatalogEntry) (string, error) {
	if entry == nil {
		return "", errors.New("entry 不能为空")
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	taskID := uuid.New().String()
	_, err = q.pool.Exec(ctx,
		`INSERT INTO ingest_tasks (id, payload, status) VALUES ($1, $2, 'pending')`,
		taskID, payload,
	)
	return taskID, err
}

// ClaimOne 实现 Queue；SKIP LOCKED 保证多个 Worker 不会认领同一条
func (q *PostgresQueue) ClaimOne(ctx context.Context, workerID string) (*Task, error) {
	var (
		t       Task
		payload []byte
	)
	err := q.pool.QueryRow(ctx,
		`WITH sel AS (
  SELECT id FROM ingest_tasks WHERE status = 'pending' ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED
)
UPDATE ingest_tasks SET status = 'claimed', worker_id = $1, claimed_at = now()
FROM sel WHERE ingest_tasks.id = sel.id
RETURNING ingest_tasks.id, ingest_tasks.payload, ingest_tasks.created_at`,
		workerID,
	).Scan(&t.ID, &payload, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.Status = StatusClaimed
	t.WorkerID = workerID
	t.Entry = &ingest.CatalogEntry{}
	if err := json.Unmarshal(payload, t.Entry); err != nil {
		return &t, fmt.Errorf("任务 %s payload 无法解析: %w", t.ID, err)
	}
	return &t, nil
}

// MarkCompleted 实现 Queue
func (q *PostgresQueue) MarkCompleted(ctx context.Context, taskID string, result *ingest.Result) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.exec(ctx,
		`UPDATE ingest_tasks SET status = 'completed', result = $1, error = NULL, completed_at = now() WHERE id = $2`,
		taskID, resultJSON, taskID)
}

// MarkFailed 实现 Queue
func (q *PostgresQueue) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	return q.exec(ctx,
		`UPDATE ingest_tasks SET status = 'failed', error = $1, completed_at = now() WHERE id = $2`,
		taskID, errMsg, taskID)
}

func (q *PostgresQueue) exec(ctx context.Context, sql, taskID string, args ...interface{}) error {
	tag, err := q.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: task %s", pkgerrors.ErrNotFound, taskID)
	}
	return nil
}

// Get 实现 Queue
func (q *PostgresQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	var (
		t         Task
		payload   []byte
		result    []byte
		workerID  *string
		errText   *string
		completed *time.Time
	)
	err := q.pool.QueryRow(ctx,
		`SELECT id, payload, status, worker_id, result, error, created_at, completed_at FROM ingest_tasks WHERE id = $1`,
		taskID,
	).Scan(&t.ID, &payload, &t.Status, &workerID, &result, &errText, &t.CreatedAt, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", pkgerrors.ErrNotFound, taskID)
		}
		return nil, err
	}
	if len(payload) > 0 {
		t.Entry = &ingest.CatalogEntry{}
		_ = json.Unmarshal(payload, t.Entry)
	}
	if len(result) > 0 {
		t.Result = &ingest.Result{}
		_ = json.Unmarshal(result, t.Result)
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if errText != nil {
		t.Error = *errText
	}
	t.CompletedAt = completed
	return &t, nil
}

// Close 关闭连接池
func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}
