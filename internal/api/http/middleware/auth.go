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
	"github.com/hertz-contrib/jwt"

	"bizassist/pkg/auth"
)

// JWT 载荷中的声明名
const (
	ClaimUserID = "user_id"
	ClaimRole   = "role"
)

// 关闭 JWT 时由上游网关注入身份的请求头
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

// Identity 签发 token 时的身份
type Identity struct {
	UserID string
	Role   auth.Role
}

// NewJWTAuth 创建 JWT 中间件；本服务不提供登录，token 由 TokenGenerator 离线签发
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:         "bizassist",
		Key:           key,
		Timeout:       timeout,
		MaxRefresh:    maxRefresh,
		IdentityKey:   ClaimUserID,
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if id, ok := data.(Identity); ok {
				return jwt.MapClaims{ClaimUserID: id.UserID, ClaimRole: string(id.Role)}
			}
			return jwt.MapClaims{}
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			return nil, jwt.ErrFailedAuthentication
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
	})
}

// FromJWTClaims 在 JWT 校验之后执行，把声明中的身份写入 context
func FromJWTClaims() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		claims := jwt.ExtractClaims(ctx, c)
		userID, _ := claims[ClaimUserID].(string)
		if userID == "" {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{"error": "token has no user_id"})
			return
		}
		role, _ := claims[ClaimRole].(string)
		c.Next(auth.WithRole(auth.WithUserID(ctx, userID), auth.ParseRole(role)))
	}
}

// FromHeaders 关闭 JWT 时使用：身份来自可信网关注入的请求头
func FromHeaders() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		userID := string(c.GetHeader(HeaderUserID))
		if userID == "" {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		role := auth.ParseRole(string(c.GetHeader(HeaderRole)))
		c.Next(auth.WithRole(auth.WithUserID(ctx, userID), role))
	}
}
