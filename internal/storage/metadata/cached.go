package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"visual-search/internal/storage/cache"
	"visual-search/pkg/log"
)

const itemKeyPrefix = "item:"

// CachedStore 在 Store 之上叠加商品属性缓存；Update 写底层后删除缓存，由下次读取回填。
// 每个 id 维护一个代数，Update 时递增；回源前记下代数，回填时代数已变的 id 不写缓存，
// 避免并发读把更新前的值写回。缓存故障只记录日志，读请求回落到底层存储。
type CachedStore struct {
	Store
	cache  cache.Store
	ttl    time.Duration
	group  singleflight.Group
	logger *log.Logger

	// mu 同时保护 gens 与 "比较代数+写缓存"，使回填与失效互斥
	mu   sync.Mutex
	gens map[int64]uint64
}

// NewCachedStore 创建带缓存的 Store；ttl <= 0 表示不过期
func NewCachedStore(store Store, c cache.Store, ttl time.Duration, logger *log.Logger) *CachedStore {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CachedStore{Store: store, cache: c, ttl: ttl, logger: logger, gens: make(map[int64]uint64)}
}

func itemKey(id int64) string {
	return itemKeyPrefix + strconv.FormatInt(id, 10)
}

// Get 优先读缓存，未命中时合并并发回源
func (s *CachedStore) Get(ctx context.Context, id int64) (*Item, error) {
	key := itemKey(id)
	var cached Item
	err := s.cache.Get(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("读取商品缓存失败", "id", id, "error", err)
	}

	// 代数并入合并键：Update 之后的读取不会复用更新前发起的回源
	gen := s.generations([]int64{id})
	flightKey := key + "@" + strconv.FormatUint(gen[id], 10)
	v, err, _ := s.group.Do(flightKey, func() (interface{}, error) {
		it, err := s.Store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, map[int64]*Item{id: it}, gen)
		return it, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Item).Clone(), nil
}

// GetMany 一次 MGET 取缓存，剩余 id 走底层批量查询后回填
func (s *CachedStore) GetMany(ctx context.Context, ids []int64) (map[int64]*Item, error) {
	out := make(map[int64]*Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(id)
	}
	raw, err := s.cache.GetMulti(ctx, keys)
	if err != nil {
		s.logger.Warn("批量读取商品缓存失败", "count", len(ids), "error", err)
		raw = nil
	}

	var missing []int64
	for i, id := range ids {
		data, ok := raw[keys[i]]
		if !ok {
			missing = append(missing, id)
			continue
		}
		var it Item
		if err := json.Unmarshal(data, &it); err != nil {
			missing = append(missing, id)
			continue
		}
		out[id] = &it
	}
	if len(missing) == 0 {
		return out, nil
	}

	gens := s.generations(missing)
	loaded, err := s.Store.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, it := range loaded {
		out[id] = it
	}
	s.fill(ctx, loaded, gens)
	return out, nil
}

// Update 写底层后删除缓存
func (s *CachedStore) Update(ctx context.Context, id int64, mutate func(*Item) error) (*Item, error) {
	it, err := s.Store.Update(ctx, id, mutate)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return it, nil
}

// Close 关闭底层存储与缓存
func (s *CachedStore) Close() error {
	err := s.Store.Close()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *CachedStore) generations(ids []int64) map[int64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]uint64, len(ids))
	for _, id := range ids {
		out[id] = s.gens[id]
	}
	return out
}

// fill 回填回源结果，跳过 gens 记录之后被 Update 过的 id
func (s *CachedStore) fill(ctx context.Context, loaded map[int64]*Item, gens map[int64]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make(map[string]interface{}, len(loaded))
	for id, it := range loaded {
		if s.gens[id] != gens[id] {
			continue
		}
		batch[itemKey(id)] = it
	}
	if len(batch) == 0 {
		return
	}
	if err := s.cache.SetMulti(ctx, batch, s.ttl); err != nil {
		s.logger.Warn("回填商品缓存失败", "count", len(batch), "error", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[id]++
	if err := s.cache.Delete(ctx, itemKey(id)); err != nil {
		s.logger.Warn("删除商品缓存失败", "id", id, "error", err)
	}
}
