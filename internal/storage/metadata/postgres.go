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

package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	id              BIGSERIAL PRIMARY KEY,
	image_path      TEXT             NOT NULL UNIQUE,
	brand           TEXT             NOT NULL DEFAULT '',
	price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	material        TEXT             NOT NULL DEFAULT '',
	style_tags      TEXT             NOT NULL DEFAULT '',
	click_count     BIGINT           NOT NULL DEFAULT 0,
	relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      BIGINT           NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id            TEXT    PRIMARY KEY,
	product_id    BIGINT  NOT NULL,
	is_relevant   BOOLEAN NOT NULL,
	query_context TEXT    NOT NULL DEFAULT '',
	created_at    BIGINT  NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_product ON feedback(product_id);
`

// PostgresStore 基于 PostgreSQL 的商品存储，多实例部署共享
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 连接数据库并建表；poolSize <= 0 时使用 pgx 默认
func NewPostgresStore(ctx context.Context, dsn string, poolSize int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres 需要配置 dsn")
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("连接 postgres 失败: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 postgres 表失败: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create 创建商品；显式指定 ID 时同步推进序列，避免后续自增冲突
func (s *PostgresStore) Create(ctx context.Context, item *Item) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().Unix()
	}
	var err error
	if item.ID == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO products (image_path, brand, price, material, style_tags, click_count, relevance_score, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			item.ImagePath, item.Brand, item.Price, item.Material, item.StyleTags,
			item.ClickCount, item.RelevanceScore, item.CreatedAt,
		).Scan(&item.ID)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO products (`+productColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			item.ID, item.ImagePath, item.Brand, item.Price, item.Material, item.StyleTags,
			item.ClickCount, item.RelevanceScore, item.CreatedAt,
		)
		if err == nil {
			_, err = s.pool.Exec(ctx,
				`SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))`)
		}
	}
	if isPgUnique(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// Get 根据 ID 获取商品
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return it, err
}

// GetMany 使用 = ANY($1) 一次取回
func (s *PostgresStore) GetMany(ctx context.Context, ids []int64) (map[int64]*Item, error) {
	out := make(map[int64]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.ID] = it
	}
	return out, rows.Err()
}

// GetByImagePath 按图片路径查找商品
func (s *PostgresStore) GetByImagePath(ctx context.Context, path string) (*Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE image_path = $1`, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: image_path %s", ErrNotFound, path)
	}
	return it, err
}

// Update 事务内 SELECT ... FOR UPDATE 后写回
func (s *PostgresStore) Update(ctx context.Context, id int64, mutate func(*Item) error) (*Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	it, err := scanItem(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(it); err != nil {
		return nil, err
	}
	it.ID = id
	if _, err := tx.Exec(ctx,
		`UPDATE products SET brand = $1, price = $2, material = $3, style_tags = $4, click_count = $5, relevance_score = $6 WHERE id = $7`,
		it.Brand, it.Price, it.Material, it.StyleTags, it.ClickCount, it.RelevanceScore, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

// List 按 ID 升序列出商品
func (s *PostgresStore) List(ctx context.Context, pagination *Pagination) ([]*Item, error) {
	var limit *int
	offset := 0
	if pagination != nil {
		if pagination.Limit > 0 {
			limit = &pagination.Limit
		}
		offset = pagination.Offset
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Count 统计商品数量
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// RecordFeedback 记录反馈事件
func (s *PostgresStore) RecordFeedback(ctx context.Context, ev *FeedbackEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, product_id, is_relevant, query_context, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.ItemID, ev.Relevant, ev.QueryContext, ev.CreatedAt,
	)
	return err
}

// FeedbackCounts 统计某商品的反馈数
func (s *PostgresStore) FeedbackCounts(ctx context.Context, itemID int64) (*FeedbackCounts, error) {
	var c FeedbackCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE is_relevant), COUNT(*) FILTER (WHERE NOT is_relevant) FROM feedback WHERE product_id = $1`,
		itemID,
	).Scan(&c.Relevant, &c.NotRelevant)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountFeedback 统计反馈总数
func (s *PostgresStore) CountFeedback(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n)
	return n, err
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
