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

package http

import (
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/hertz-contrib/jwt"

	"bizassist/internal/api/http/middleware"
	"bizassist/pkg/auth"
	"bizassist/pkg/log"
)

// Router HTTP 路由器
type Router struct {
	handler *Handler
	logger  *log.Logger
	jwt     *jwt.HertzJWTMiddleware
	global  []app.HandlerFunc
}

// NewRouter 创建路由器；未调用 SetJWT 时身份取自 X-User-ID / X-User-Role 请求头
func NewRouter(handler *Handler, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{handler: handler, logger: logger}
}

// SetJWT 启用 JWT 鉴权
func (r *Router) SetJWT(m *jwt.HertzJWTMiddleware) {
	r.jwt = m
}

// Use 追加全局中间件，在 CORS 之前执行；须在 Build 之前调用
func (r *Router) Use(mw ...app.HandlerFunc) {
	r.global = append(r.global, mw...)
}

// Build 创建 Hertz 实例并注册全部路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	h := server.Default(append([]config.Option{server.WithHostPorts(addr)}, opts...)...)
	h.Use(append(r.global, middleware.CORS())...)
	r.Register(h)
	return h
}

// Register 注册路由；身份中间件在审计之前，审计日志才能带上用户
func (r *Router) Register(h *server.Hertz) {
	h.GET("/api/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)

	identity := middleware.FromHeaders()
	if r.jwt != nil {
		h.POST("/api/auth/refresh", r.jwt.RefreshHandler)
		api := h.Group("/api", r.jwt.MiddlewareFunc(), middleware.FromJWTClaims(), middleware.Audit(r.logger))
		r.routes(api)
		return
	}
	api := h.Group("/api", identity, middleware.Audit(r.logger))
	r.routes(api)
}

func (r *Router) routes(api *route.RouterGroup) {
	need := middleware.RequirePermission

	api.POST("/approvals/:id/respond", need(auth.PermissionApprovalRespond), r.handler.RespondToApproval)

	sessions := api.Group("/sessions/:id")
	{
		sessions.GET("/approvals", need(auth.PermissionApprovalView), r.handler.ListPendingApprovals)
		sessions.GET("/events", need(auth.PermissionApprovalView), r.handler.ListEvents)
		sessions.POST("/messages", need(auth.PermissionApprovalView), r.handler.EnqueueMessage)
		sessions.GET("/rate-limit", need(auth.PermissionRateLimitView), r.handler.RateLimitStatus)
	}

	queues := api.Group("/queues/:name")
	{
		queues.GET("/stats", need(auth.PermissionQueueView), r.handler.QueueStats)
		queues.POST("/pause", need(auth.PermissionQueueManage), r.handler.PauseQueue)
		queues.POST("/resume", need(auth.PermissionQueueManage), r.handler.ResumeQueue)
	}
}

// MetricsServer 仅暴露 /metrics 与健康检查，供独立 worker 进程使用
func MetricsServer(addr string) *server.Hertz {
	h := server.Default(server.WithHostPorts(addr))
	hd := &Handler{logger: log.Nop()}
	h.GET("/metrics", hd.Metrics)
	h.GET("/api/health", hd.HealthCheck)
	return h
}
