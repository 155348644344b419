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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ToolCall 一次工具调用请求
type ToolCall struct {
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// ToolResult 网关返回；Success=false 是业务失败，不触发重试
type ToolResult struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
}

// ToolGateway 执行工具的外部系统（ERP 网关）
type ToolGateway interface {
	Invoke(ctx context.Context, call ToolCall) (ToolResult, error)
}

// ToolGatewayFunc 函数适配
type ToolGatewayFunc func(ctx context.Context, call ToolCall) (ToolResult, error)

func (f ToolGatewayFunc) Invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	return f(ctx, call)
}

// HTTPToolGateway POST {base}/tools/{name}/invoke
type HTTPToolGateway struct {
	client *resty.Client
}

func NewHTTPToolGateway(baseURL string, timeout time.Duration) *HTTPToolGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPToolGateway{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

// Invoke 网络错误与 5xx 返回 error 交由队列重试；4xx 视为业务失败
func (g *HTTPToolGateway) Invoke(ctx context.Context, call ToolCall) (ToolResult, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", call.ToolUseID).
		SetBody(call).
		Post("/tools/" + url.PathEscape(call.ToolName) + "/invoke")
	if err != nil {
		return ToolResult{}, fmt.Errorf("调用工具网关失败: %w", err)
	}
	switch {
	case resp.StatusCode() >= http.StatusInternalServerError:
		return ToolResult{}, fmt.Errorf("工具网关返回 %d: %s", resp.StatusCode(), resp.String())
	case resp.StatusCode() >= http.StatusBadRequest:
		return ToolResult{Success: false, Error: fmt.Sprintf("tool rejected (%d): %s", resp.StatusCode(), resp.String())}, nil
	}
	// 不依赖响应 Content-Type，网关常以 text/plain 返回 JSON
	var out ToolResult
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return ToolResult{}, fmt.Errorf("解析工具网关响应失败: %w", err)
	}
	return out, nil
}
