package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存商品存储实现；返回的 Item 均为副本
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[int64]*Item
	byPath   map[string]int64
	feedback []*FeedbackEvent
	nextID   int64
}

// NewMemoryStore 创建新的内存商品存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[int64]*Item),
		byPath: make(map[string]int64),
		nextID: 1,
	}
}

// Create 创建商品
func (s *MemoryStore) Create(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPath[item.ImagePath]; exists {
		return fmt.Errorf("%w: image_path %s", ErrDuplicate, item.ImagePath)
	}
	if item.ID == 0 {
		item.ID = s.nextID
	} else if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("%w: id %d", ErrDuplicate, item.ID)
	}
	if item.ID >= s.nextID {
		s.nextID = item.ID + 1
	}
	if item.CreatedAt == 0 {
		item.CreatedAt = time.Now().Unix()
	}

	s.items[item.ID] = item.Clone()
	s.byPath[item.ImagePath] = item.ID
	return nil
}

// Get 根据 ID 获取商品
func (s *MemoryStore) Get(ctx context.Context, id int64) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[id]
	if !exists {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return item.Clone(), nil
}

// GetMany 批量获取商品
func (s *MemoryStore) GetMany(ctx context.Context, ids []int64) (map[int64]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]*Item, len(ids))
	for _, id := range ids {
		if item, ok := s.items[id]; ok {
			out[id] = item.Clone()
		}
	}
	return out, nil
}

// GetByImagePath 按图片路径查找商品
func (s *MemoryStore) GetByImagePath(ctx context.Context, path string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byPath[path]
	if !exists {
		return nil, fmt.Errorf("%w: image_path %s", ErrNotFound, path)
	}
	return s.items[id].Clone(), nil
}

// Update 读取-修改-写回，整个过程持有写锁
func (s *MemoryStore) Update(ctx context.Context, id int64, mutate func(*Item) error) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.items[id]
	if !exists {
		return nil, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.ImagePath = cur.ImagePath
	next.CreatedAt = cur.CreatedAt
	s.items[id] = next
	return next.Clone(), nil
}

// List 按 ID 升序列出商品
func (s *MemoryStore) List(ctx context.Context, pagination *Pagination) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start, end := 0, len(ids)
	if pagination != nil {
		if pagination.Offset > 0 {
			start = pagination.Offset
		}
		if start > end {
			start = end
		}
		if pagination.Limit > 0 && start+pagination.Limit < end {
			end = start + pagination.Limit
		}
	}

	out := make([]*Item, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, s.items[id].Clone())
	}
	return out, nil
}

// Count 统计商品数量
func (s *MemoryStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.items)), nil
}

// RecordFeedback 记录反馈事件
func (s *MemoryStore) RecordFeedback(ctx context.Context, ev *FeedbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	c := *ev
	s.feedback = append(s.feedback, &c)
	return nil
}

// FeedbackCounts 统计某商品的反馈数
func (s *MemoryStore) FeedbackCounts(ctx context.Context, itemID int64) (*FeedbackCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := &FeedbackCounts{}
	for _, ev := range s.feedback {
		if ev.ItemID != itemID {
			continue
		}
		if ev.Relevant {
			counts.Relevant++
		} else {
			counts.NotRelevant++
		}
	}
	return counts, nil
}

// CountFeedback 统计反馈总数
func (s *MemoryStore) CountFeedback(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.feedback)), nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error {
	return nil
}
