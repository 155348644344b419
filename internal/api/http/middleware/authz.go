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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"bizassist/pkg/auth"
)

// RequirePermission 返回权限检查中间件；需在身份中间件之后
func RequirePermission(permission auth.Permission) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if auth.GetUserID(ctx) == "" {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{
				"error": "authentication required",
			})
			return
		}
		if !auth.HasPermission(auth.GetRole(ctx), permission) {
			c.AbortWithStatusJSON(consts.StatusForbidden, map[string]string{
				"error": "permission denied",
			})
			return
		}
		c.Next(ctx)
	}
}
