package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// SQLite 驱动（纯 Go）
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	image_path      TEXT    NOT NULL UNIQUE,
	brand           TEXT    NOT NULL DEFAULT '',
	price           REAL    NOT NULL DEFAULT 0,
	material        TEXT    NOT NULL DEFAULT '',
	style_tags      TEXT    NOT NULL DEFAULT '',
	click_count     INTEGER NOT NULL DEFAULT 0,
	relevance_score REAL    NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS feedback (
	id            TEXT    PRIMARY KEY,
	product_id    INTEGER NOT NULL,
	is_relevant   INTEGER NOT NULL,
	query_context TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_product ON feedback(product_id);
`

const productColumns = `id, image_path, brand, price, material, style_tags, click_count, relevance_score, created_at`

// SQLiteStore 基于 SQLite 的商品存储，适合单机部署
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（必要时创建）dsn 指向的数据库文件并建表
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite 需要配置 dsn")
	}
	// modernc 驱动的 pragma 需以 _pragma= 传入
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("打开 sqlite %s 失败: %w", dsn, err)
	}
	// 单连接即可串行化写入，Update 的读改写因此天然原子
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化 sqlite 表失败: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	if err := row.Scan(&it.ID, &it.ImagePath, &it.Brand, &it.Price, &it.Material,
		&it.StyleTags, &it.ClickCount, &it.RelevanceScore, &it.CreatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create 创建商品
func (s *SQLiteStore) Create(ctx context.Context, item *Item) error {
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().Unix()
	}
	var id sql.NullInt64
	if item.ID != 0 {
		id = sql.NullInt64{Int64: item.ID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO products (`+productColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, item.ImagePath, item.Brand, item.Price, item.Material, item.StyleTags,
		item.ClickCount, item.RelevanceScore, item.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if err != nil {
		return err
	}
	if item.ID == 0 {
		item.ID, err = res.LastInsertId()
	}
	return err
}

// Get 根据 ID 获取商品
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return it, err
}

// GetMany 单条 IN 查询批量获取
func (s *SQLiteStore) GetMany(ctx context.Context, ids []int64) (map[int64]*Item, error) {
	out := make(map[int64]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders+`)`, args...)
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
func (s *SQLiteStore) GetByImagePath(ctx context.Context, path string) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE image_path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: image_path %s", ErrNotFound, path)
	}
	return it, err
}

// Update 在事务内读改写
func (s *SQLiteStore) Update(ctx context.Context, id int64, mutate func(*Item) error) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(it); err != nil {
		return nil, err
	}
	it.ID = id
	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET brand = ?, price = ?, material = ?, style_tags = ?, click_count = ?, relevance_score = ? WHERE id = ?`,
		it.Brand, it.Price, it.Material, it.StyleTags, it.ClickCount, it.RelevanceScore, id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return it, nil
}

// List 按 ID 升序列出商品
func (s *SQLiteStore) List(ctx context.Context, pagination *Pagination) ([]*Item, error) {
	limit, offset := -1, 0
	if pagination != nil {
		if pagination.Limit > 0 {
			limit = pagination.Limit
		}
		offset = pagination.Offset
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&n)
	return n, err
}

// RecordFeedback 记录反馈事件
func (s *SQLiteStore) RecordFeedback(ctx context.Context, ev *FeedbackEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	relevant := 0
	if ev.Relevant {
		relevant = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (id, product_id, is_relevant, query_context, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.ItemID, relevant, ev.QueryContext, ev.CreatedAt,
	)
	return err
}

// FeedbackCounts 统计某商品的反馈数
func (s *SQLiteStore) FeedbackCounts(ctx context.Context, itemID int64) (*FeedbackCounts, error) {
	var c FeedbackCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(is_relevant), 0), COALESCE(SUM(1 - is_relevant), 0) FROM feedback WHERE product_id = ?`,
		itemID,
	).Scan(&c.Relevant, &c.NotRelevant)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CountFeedback 统计反馈总数
func (s *SQLiteStore) CountFeedback(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback`).Scan(&n)
	return n, err
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
