package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"visual-search/pkg/log"
)

// ErrBatcherClosed Batcher 已关闭
var ErrBatcherClosed = errors.New("batcher is shut down")

// BatchIndexer 批量入库
type BatchIndexer interface {
	IndexBatch(ctx context.Context, entries []*CatalogEntry) ([]Result, error)
}

type pendingEntry struct {
	entry *CatalogEntry
	done  chan Result
}

// Batcher 合并并发的单条入库请求：攒满 maxBatchSize 或等待超过 maxWait 即整批写入，
// 索引的写锁因此按批而不是按条获取
type Batcher struct {
	indexer      BatchIndexer
	persist      func(ctx context.Context) error
	maxBatchSize int
	maxWait      time.Duration
	logger       *log.Logger

	mu       sync.Mutex
	queue    []*pendingEntry
	shutdown bool

	flushCh    chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewBatcher 创建并启动 Batcher；persist 非 nil 时每批写入后调用
func NewBatcher(indexer BatchIndexer, persist func(ctx context.Context) error, maxBatchSize int, maxWait time.Duration, logger *log.Logger) *Batcher {
	if maxBatchSize <= 0 {
		maxBatchSize = 32
	}
	if maxWait <= 0 {
		maxWait = 200 * time.Millisecond
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	b := &Batcher{
		indexer:      indexer,
		persist:      persist,
		maxBatchSize: maxBatchSize,
		maxWait:      maxWait,
		logger:       logger,
		queue:        make([]*pendingEntry, 0, maxBatchSize),
		flushCh:      make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Submit 提交一条商品并等待其所在批次完成
func (b *Batcher) Submit(ctx context.Context, entry *CatalogEntry) (*Result, error) {
	p := &pendingEntry{entry: entry, done: make(chan Result, 1)}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, ErrBatcherClosed
	}
	b.queue = append(b.queue, p)
	size := len(b.queue)
	b.mu.Unlock()

	if size >= b.maxBatchSize {
		b.signalFlush()
	}

	select {
	case r := <-p.done:
		return &r, nil
	case <-ctx.Done():
		// 条目仍会随批次写入，只是调用方不再等待结果
		return nil, ctx.Err()
	}
}

// Shutdown 停止接收新条目，写完队列中剩余的条目后返回
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true
	b.mu.Unlock()

	close(b.shutdownCh)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Batcher) signalFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

func (b *Batcher) loop() {
	defer b.wg.Done()

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	for {
		select {
		case <-b.shutdownCh:
			for b.flush() {
			}
			return
		case <-b.flushCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			b.flush()
			timer.Reset(b.maxWait)
		case <-timer.C:
			b.flush()
			timer.Reset(b.maxWait)
		}
	}
}

// flush 写入至多 maxBatchSize 条，返回是否还有剩余
func (b *Batcher) flush() bool {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return false
	}
	n := len(b.queue)
	if n > b.maxBatchSize {
		n = b.maxBatchSize
	}
	batch := b.queue[:n:n]
	b.queue = append(make([]*pendingEntry, 0, b.maxBatchSize), b.queue[n:]...)
	more := len(b.queue) > 0
	b.mu.Unlock()

	ctx := context.Background()
	entries := make([]*CatalogEntry, len(batch))
	for i, p := range batch {
		entries[i] = p.entry
	}
	results, err := b.indexer.IndexBatch(ctx, entries)
	if err != nil {
		b.logger.Error("批量入库失败", "batch", len(entries), "error", err)
	}
	indexed := 0
	for i, p := range batch {
		r := Result{ImagePath: p.entry.ImagePath, Status: StatusFailed}
		if i < len(results) {
			r = results[i]
		}
		if r.Status == StatusFailed && r.Error == "" && err != nil {
			r.Error = err.Error()
		}
		if r.Status == StatusIndexed {
			indexed++
		}
		p.done <- r
	}
	if indexed > 0 && b.persist != nil {
		if err := b.persist(ctx); err != nil {
			b.logger.Warn("批次写入后持久化索引失败", "error", err)
		}
	}
	if more {
		b.signalFlush()
	}
	return more
}
