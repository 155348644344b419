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

package middleware

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"bizassist/pkg/auth"
	"bizassist/pkg/log"
)

// CORS 跨域
func CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-User-ID, X-User-Role")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// Audit 记录写操作（审批应答、队列暂停/恢复）的操作人与结果
func Audit(logger *log.Logger) app.HandlerFunc {
	if logger == nil {
		logger = log.Nop()
	}
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		if string(c.Method()) != consts.MethodPost {
			return
		}
		status := c.Response.StatusCode()
		logger.Info("api audit",
			"user_id", auth.GetUserID(ctx),
			"role", string(auth.GetRole(ctx)),
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", status,
			"success", status < 400,
			"duration_ms", time.Since(start).Milliseconds())
	}
}
