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

package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"github.com/go-resty/resty/v2"
)

const defaultModel = "text-embedding-3-small"

// HTTPEmbedder 调用 OpenAI 兼容的 /embeddings 接口
type HTTPEmbedder struct {
	client *resty.Client
	model  string
	apiKey string
}

// NewHTTPEmbedder baseURL 形如 https://api.openai.com/v1；model 为空时使用默认模型
func NewHTTPEmbedder(baseURL, model, apiKey string, timeout time.Duration) *HTTPEmbedder {
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &HTTPEmbedder{client: client, model: model, apiKey: apiKey}
}

// Model 返回默认模型名称
func (e *HTTPEmbedder) Model() string { return e.model }

// EmbedStrings 实现 eino/components/embedding.Embedder；WithModel 可覆盖默认模型
func (e *HTTPEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembed.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := e.model
	if o := einoembed.GetCommonOptions(&einoembed.Options{Model: &model}, opts...); o.Model != nil && *o.Model != "" {
		model = *o.Model
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	req := e.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"model": model, "input": texts})
	if e.apiKey != "" {
		req.SetAuthToken(e.apiKey)
	}
	resp, err := req.Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("调用 embedding 接口失败: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("embedding 接口返回错误: %d %s", resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("解析 embedding 响应失败: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding 数量不匹配: want %d, got %d", len(texts), len(result.Data))
	}
	out := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding 下标越界: %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ einoembed.Embedder = (*HTTPEmbedder)(nil)
