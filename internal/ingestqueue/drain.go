package ingestqueue

import (
	"context"

	"visual-search/internal/pipeline/ingest"
	"visual-search/pkg/log"
)

// Drainer 持续认领 pending 任务并按批交给入库器，直到队列为空
type Drainer struct {
	queue     Queue
	indexer   ingest.BatchIndexer
	workerID  string
	batchSize int
	logger    *log.Logger
}

// NewDrainer 创建消费者；batchSize <= 0 时逐条处理
func NewDrainer(queue Queue, indexer ingest.BatchIndexer, workerID string, batchSize int, logger *log.Logger) *Drainer {
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Drainer{queue: queue, indexer: indexer, workerID: workerID, batchSize: batchSize, logger: logger}
}

// Drain 处理当前所有 pending 任务；不负责持久化索引
func (d *Drainer) Drain(ctx context.Context) (*ingest.Summary, error) {
	summary := &ingest.Summary{}
	for {
		tasks, err := d.claimBatch(ctx, summary)
		if err != nil {
			return summary, err
		}
		if len(tasks) == 0 {
			return summary, nil
		}
		entries := make([]*ingest.CatalogEntry, len(tasks))
		for i, t := range tasks {
			entries[i] = t.Entry
		}
		results, err := d.indexer.IndexBatch(ctx, entries)
		if err != nil {
			// 整批写索引失败：任务全部标记失败，结果交由调用方查看
			for _, t := range tasks {
				d.markFailed(ctx, t.ID, err.Error())
			}
			summary.Failed += len(tasks)
			return summary, err
		}
		summary.Add(results)
		for i, t := range tasks {
			if err := d.queue.MarkCompleted(ctx, t.ID, &results[i]); err != nil {
				d.logger.Warn("记录任务结果失败", "task_id", t.ID, "error", err)
			}
		}
	}
}

func (d *Drainer) claimBatch(ctx context.Context, summary *ingest.Summary) ([]*Task, error) {
	tasks := make([]*Task, 0, d.batchSize)
	for len(tasks) < d.batchSize {
		if err := ctx.Err(); err != nil {
			return tasks, err
		}
		t, err := d.queue.ClaimOne(ctx, d.workerID)
		if err != nil {
			if t == nil {
				return tasks, err
			}
			// payload 损坏只影响这一条
			d.markFailed(ctx, t.ID, err.Error())
			summary.Failed++
			continue
		}
		if t == nil {
			break
		}
		if verr := t.Entry.Validate(); verr != nil {
			d.markFailed(ctx, t.ID, verr.Error())
			summary.Failed++
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (d *Drainer) markFailed(ctx context.Context, taskID, msg string) {
	if err := d.queue.MarkFailed(ctx, taskID, msg); err != nil {
		d.logger.Warn("标记任务失败出错", "task_id", taskID, "error", err)
	}
}
