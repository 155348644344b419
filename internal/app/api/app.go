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
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"bizassist/internal/api/http"
	"bizassist/internal/api/http/middleware"
	"bizassist/internal/app"
	"bizassist/internal/app/worker"
	"bizassist/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：装配 HTTP Router、Handler、Middleware；worker.embedded=true 时同进程运行 worker
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	worker       *worker.App
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	handler := http.NewHandler(bootstrap.Approvals, bootstrap.Queues, bootstrap.Sessions, bootstrap.EventLog, bootstrap.Logger.With("component", "api"))
	router := http.NewRouter(handler, bootstrap.Logger.With("component", "audit"))

	if cfg.API.JWT.Enabled {
		if cfg.API.JWT.Key == "" {
			return nil, fmt.Errorf("api.jwt.enabled 为 true 时必须配置 api.jwt.key")
		}
		jwtAuth, err := middleware.NewJWTAuth([]byte(cfg.API.JWT.Key),
			config.ParseDuration(cfg.API.JWT.Timeout, 0), config.ParseDuration(cfg.API.JWT.MaxRefresh, 0))
		if err != nil {
			return nil, fmt.Errorf("初始化 JWT 失败: %w", err)
		}
		router.SetJWT(jwtAuth)
	} else {
		bootstrap.Logger.Warn("JWT 未启用，身份取自 X-User-ID 请求头，仅限开发环境")
	}

	a := &App{bootstrap: bootstrap, router: router}
	if cfg.Worker.Embedded {
		w, err := worker.NewApp(bootstrap)
		if err != nil {
			return nil, err
		}
		a.worker = w
	} else {
		bootstrap.Logger.Warn("worker 未嵌入，需要审批的工具任务须由本进程之外的 worker 处理时将无法收到应答")
	}
	return a, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"；阻塞直到服务关闭
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr, "embedded_worker", a.worker != nil)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	a.hertz = a.router.Build(addr, a.tracing()...)
	if a.worker != nil {
		if err := a.worker.Start(context.Background()); err != nil {
			return err
		}
	}
	return a.hertz.Run()
}

// tracing 可选：启用链路追踪（OpenTelemetry）；provider 设置全局 TracerProvider，任务与审批 span 一并导出
func (a *App) tracing() []hertzconfig.Option {
	tc := a.bootstrap.Config.Monitoring.Tracing
	if !tc.Enable {
		return nil
	}
	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "bizassist-api"
	}
	exportEndpoint := tc.ExportEndpoint
	if exportEndpoint == "" {
		exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if exportEndpoint == "" {
		a.bootstrap.Logger.Warn("链路追踪已启用但未配置导出地址，跳过")
		return nil
	}
	opts := []provider.Option{
		provider.WithServiceName(serviceName),
		provider.WithExportEndpoint(exportEndpoint),
	}
	if tc.Insecure {
		opts = append(opts, provider.WithInsecure())
	}
	a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
	tracerOpt, cfg := hertztracing.NewServerTracer()
	a.router.Use(hertztracing.ServerMiddleware(cfg))
	a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
	return []hertzconfig.Option{tracerOpt}
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）；bootstrap 由调用方关闭
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if a.worker != nil {
		if err := a.worker.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	return firstErr
}
