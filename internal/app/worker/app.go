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

package worker

import (
	"context"
	"fmt"

	"bizassist/internal/app"
	"bizassist/internal/model/embedding"
	"bizassist/pkg/config"
)

// App Worker 应用：在 bootstrap 的队列上注册处理器并运行审批清扫
type App struct {
	bootstrap *app.Bootstrap
	sweeper   *Sweeper
}

// NewApp 按配置装配处理器；可由 cmd/worker 独立运行，也可嵌入 API 进程
func NewApp(b *app.Bootstrap) (*App, error) {
	cfg := b.Config
	procs := &Processors{
		EventLog:  b.EventLog,
		Publisher: b.Publisher,
		Approvals: b.Approvals,
		Tracker:   b.Tracker,
		Dedup:     b.Dedup,
		ToolSink:  b.ToolSink,
		Logger:    b.Logger.With("component", "worker"),
	}
	if b.Pool != nil {
		procs.Messages = NewPostgresMessageStore(b.Pool)
		procs.Vectors = NewPostgresVectorStore(b.Pool)
	} else {
		procs.Messages = NewMemoryMessageStore()
		procs.Vectors = NewMemoryVectorStore()
	}
	if cfg.Worker.ToolGatewayURL != "" {
		procs.Gateway = NewHTTPToolGateway(cfg.Worker.ToolGatewayURL, config.ParseDuration(cfg.Worker.ToolTimeout, 0))
	}
	if cfg.Worker.EmbeddingURL != "" {
		procs.Embedder = embedding.NewHTTPEmbedder(cfg.Worker.EmbeddingURL, cfg.Worker.EmbeddingModel, cfg.Worker.EmbeddingAPIKey, 0)
	}
	if err := procs.Register(b.Queues); err != nil {
		return nil, fmt.Errorf("注册队列处理器失败: %w", err)
	}

	sweeper, err := NewSweeper(cfg.Approval.SweepSchedule, b.Approvals, b.Logger.With("component", "approval-sweeper"))
	if err != nil {
		return nil, err
	}
	return &App{bootstrap: b, sweeper: sweeper}, nil
}

// Start 启动队列 worker 与清扫调度
func (a *App) Start(ctx context.Context) error {
	a.bootstrap.Logger.Info("启动 worker 应用")
	if err := a.bootstrap.Queues.Start(ctx); err != nil {
		return fmt.Errorf("启动任务队列失败: %w", err)
	}
	a.sweeper.Start()
	a.bootstrap.Logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 停止清扫；队列与连接由 bootstrap.Close 释放
func (a *App) Shutdown(ctx context.Context) error {
	a.bootstrap.Logger.Info("关闭 worker 应用")
	a.sweeper.Stop(ctx)
	return nil
}
