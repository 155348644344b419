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
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/spf13/cobra"

	apihttp "bizassist/internal/api/http"
	"bizassist/internal/app"
	"bizassist/internal/app/worker"
	"bizassist/pkg/config"
	"bizassist/pkg/tracing"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "bizassist-worker",
		Short:         "bizassist 独立任务 worker",
		Long:          "消费全部队列并按计划清扫过期审批；需要人工审批的工具调用只能在发起审批的进程内被响应。",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("CONFIG_PATH", "configs/worker.yaml"), "配置文件路径")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	ctx := context.Background()

	// 可选：启用链路追踪，任务 span 经 OTLP 导出
	if tc := cfg.Monitoring.Tracing; tc.Enable && tc.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, tracing.OTelConfig{
			ServiceName:    tc.ServiceName,
			ExportEndpoint: tc.ExportEndpoint,
			Insecure:       tc.Insecure,
		})
		if err != nil {
			log.Printf("链路追踪初始化失败: %v", err)
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	bootstrap, err := app.NewBootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	application, err := worker.NewApp(bootstrap)
	if err != nil {
		_ = bootstrap.Close(ctx)
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		_ = bootstrap.Close(ctx)
		return fmt.Errorf("启动应用失败: %w", err)
	}

	var metricsServer *server.Hertz
	if p := cfg.Monitoring.Prometheus; p.Enable && p.Port > 0 {
		metricsServer = apihttp.MetricsServer(fmt.Sprintf(":%d", p.Port))
		go func() { _ = metricsServer.Run() }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("关闭应用失败: %v", err)
	}
	if err := bootstrap.Close(shutdownCtx); err != nil {
		log.Printf("释放资源失败: %v", err)
	}
	log.Println("worker 已关闭")
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
