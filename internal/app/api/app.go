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

package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	httpapi "visual-search/internal/api/http"
	"visual-search/internal/api/http/middleware"
	"visual-search/internal/app"
	"visual-search/internal/ingestqueue"
	"visual-search/internal/pipeline/ingest"
	"visual-search/pkg/log"
	"visual-search/pkg/utils"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	bootstrap    *app.Bootstrap
	router       *httpapi.Router
	batcher      *ingest.Batcher
	consumer     *queueConsumer
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 组装 HTTP 层：检索、反馈、统计与管理接口
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config

	mw, err := middleware.NewMiddleware(cfg.API)
	if err != nil {
		return nil, fmt.Errorf("初始化中间件失败: %w", err)
	}

	handler := httpapi.NewHandler(bootstrap.Search, bootstrap.Ranker, bootstrap.Repository, bootstrap.Index)
	handler.SetVision(bootstrap.Extractor, bootstrap.Classifier)

	// API 入库按批合并写入，每批后持久化，进程重启不丢已确认的条目
	batcher := ingest.NewBatcher(bootstrap.Indexer, bootstrap.Index.Persist,
		bootstrap.Indexer.BatchSize(),
		utils.ParseDuration(cfg.Ingest.FlushInterval, 200*time.Millisecond),
		bootstrap.Logger)
	handler.SetIngester(batcher)

	a := &App{
		bootstrap: bootstrap,
		router:    httpapi.NewRouter(handler, mw),
		batcher:   batcher,
	}
	if bootstrap.Queue != nil {
		handler.SetTaskQueue(bootstrap.Queue)
		// 内存队列只有本进程能消费；postgres 队列由 worker -queue 消费
		if cfg.Ingest.Queue == "memory" {
			a.consumer = startQueueConsumer(bootstrap,
				utils.ParseDuration(cfg.Ingest.FlushInterval, 200*time.Millisecond))
		}
	}
	return a, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	var output io.Writer = os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	opts := []config.Option{
		server.WithMaxRequestBodySize(cfg.API.MaxBodyMB << 20),
		server.WithReadTimeout(utils.ParseDuration(cfg.API.Timeout, 30*time.Second)),
	}

	// 可选：启用链路追踪（OpenTelemetry），检索各阶段的 span 挂在请求 span 下
	tracing := cfg.Monitoring.Tracing
	exportEndpoint := utils.CoalesceString(tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if tracing.Enable && exportEndpoint != "" {
		serviceName := utils.CoalesceString(tracing.ServiceName, "visual-search-api")
		popts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(exportEndpoint),
		}
		if tracing.Insecure {
			popts = append(popts, provider.WithInsecure())
		}
		a.otelProvider = provider.NewOpenTelemetryProvider(popts...)
		tracerOpt, tcfg := hertztracing.NewServerTracer()
		a.router.Use(hertztracing.ServerMiddleware(tcfg))
		a.hertz = a.router.Build(addr, append(opts, tracerOpt)...)
		a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	} else {
		a.hertz = a.router.Build(addr, opts...)
	}
	return a.hertz.Run()
}

// queueConsumer 定时消费进程内队列
type queueConsumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startQueueConsumer(b *app.Bootstrap, interval time.Duration) *queueConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	qc := &queueConsumer{cancel: cancel, done: make(chan struct{})}
	drainer := ingestqueue.NewDrainer(b.Queue, b.Indexer, "api", b.Indexer.BatchSize(), b.Logger)
	go func() {
		defer close(qc.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			summary, err := drainer.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				b.Logger.Warn("消费入库队列失败", "error", err)
			}
			if summary.Indexed > 0 {
				if err := b.Index.Persist(ctx); err != nil {
					b.Logger.Error("持久化索引失败", "error", err)
				}
			}
		}
	}()
	return qc
}

func (qc *queueConsumer) stop() {
	qc.cancel()
	<-qc.done
}

// Shutdown 优雅关闭：先停止接收请求，再写完排队的入库条目并持久化索引
func (a *App) Shutdown(ctx context.Context) error {
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			a.bootstrap.Logger.Warn("HTTP 服务关闭失败", "error", err)
		}
	}
	if a.consumer != nil {
		a.consumer.stop()
	}
	if err := a.batcher.Shutdown(ctx); err != nil {
		a.bootstrap.Logger.Warn("入库队列关闭失败", "error", err)
	}
	if err := a.bootstrap.Index.Persist(ctx); err != nil {
		a.bootstrap.Logger.Error("关闭前持久化索引失败", "error", err)
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	return a.bootstrap.Close()
}
