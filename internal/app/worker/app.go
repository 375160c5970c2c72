package worker

import (
	"context"
	"errors"
	"fmt"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"visual-search/internal/app"
	"visual-search/internal/ingestqueue"
	"visual-search/internal/pipeline/ingest"
	"visual-search/pkg/tracing"
	"visual-search/pkg/utils"
)

// Options 单次入库任务参数
type Options struct {
	Catalog  string // JSONL 目录，为空时使用配置
	ImageDir bool   // 按图片目录入库，忽略 catalog
	Reset    bool   // 先清空向量索引，已有商品复用属性行重新写入向量
	Queue    bool   // 消费异步入库队列中的 pending 任务，忽略 catalog
}

// App Worker 应用：执行一次目录入库、持久化后退出
type App struct {
	bootstrap *app.Bootstrap
	tracer    *sdktrace.TracerProvider
}

// NewApp 创建 Worker 应用；开启 tracing 时初始化 OTLP 导出
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	a := &App{bootstrap: bootstrap}
	tc := bootstrap.Config.Monitoring.Tracing
	if tc.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    utils.CoalesceString(tc.ServiceName, "visual-search-worker"),
			ExportEndpoint: utils.CoalesceString(tc.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			Insecure:       tc.Insecure,
		})
		if err != nil {
			bootstrap.Logger.Warn("初始化链路追踪失败，继续运行", "error", err)
		} else {
			a.tracer = tp
		}
	}
	return a, nil
}

// Run 执行入库
func (a *App) Run(ctx context.Context, opts Options) (*ingest.Summary, error) {
	b := a.bootstrap
	indexer := b.Indexer
	if opts.Reset {
		b.Logger.Warn("重置向量索引", "vectors", b.Index.Size())
		if err := b.Index.Reset(ctx); err != nil {
			return nil, fmt.Errorf("重置向量索引失败: %w", err)
		}
		indexer = b.ReindexIndexer()
	}

	if opts.Queue {
		return a.drainQueue(ctx, indexer)
	}

	if opts.ImageDir {
		b.Logger.Info("按图片目录入库", "dir", b.Config.Ingest.ImageDir)
		return indexer.IngestDirectory(ctx)
	}

	path := utils.CoalesceString(opts.Catalog, b.Config.Ingest.Catalog)
	if path == "" {
		return nil, errors.New("未指定商品目录（ingest.catalog 或 -catalog）")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开商品目录失败: %w", err)
	}
	defer f.Close()

	b.Logger.Info("开始入库", "catalog", path, "batch_size", indexer.BatchSize())
	return indexer.IngestCatalog(ctx, f)
}

func (a *App) drainQueue(ctx context.Context, indexer *ingest.Indexer) (*ingest.Summary, error) {
	b := a.bootstrap
	if b.Queue == nil {
		return nil, errors.New("未配置入库队列（ingest.queue）")
	}
	host, _ := os.Hostname()
	workerID := fmt.Sprintf("worker-%s-%d", utils.CoalesceString(host, "local"), os.Getpid())
	b.Logger.Info("开始消费入库队列", "worker_id", workerID)
	summary, err := ingestqueue.NewDrainer(b.Queue, indexer, workerID, indexer.BatchSize(), b.Logger).Drain(ctx)
	b.Logger.Info("入库队列已清空", "indexed", summary.Indexed, "skipped", summary.Skipped, "failed", summary.Failed)
	if summary.Indexed > 0 {
		if perr := b.Index.Persist(ctx); perr != nil {
			return summary, errors.Join(err, perr)
		}
	}
	return summary, err
}

// Shutdown 关闭应用
func (a *App) Shutdown(ctx context.Context) error {
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	return a.bootstrap.Close()
}
