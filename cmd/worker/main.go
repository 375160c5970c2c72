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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visual-search/internal/app"
	"visual-search/internal/app/worker"
	"visual-search/pkg/config"
)

func main() {
	configPath := flag.String("config", "configs/worker.yaml", "配置文件路径")
	catalog := flag.String("catalog", "", "JSONL 商品目录，覆盖配置中的 ingest.catalog")
	imageDir := flag.Bool("images", false, "按 ingest.image_dir 下的图片入库")
	reset := flag.Bool("reset", false, "入库前清空向量索引")
	queue := flag.Bool("queue", false, "消费 ingest.queue 中的异步入库任务")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 收到中断信号时取消入库，已完成的批次仍会持久化
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	application, err := worker.NewApp(bootstrap)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	summary, runErr := application.Run(ctx, worker.Options{
		Catalog:  *catalog,
		ImageDir: *imageDir,
		Reset:    *reset,
		Queue:    *queue,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}

	if summary != nil {
		fmt.Printf("indexed=%d skipped=%d failed=%d\n", summary.Indexed, summary.Skipped, summary.Failed)
	}
	if runErr != nil {
		log.Fatalf("入库失败: %v", runErr)
	}
}
