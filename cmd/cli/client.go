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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"

	"bizassist/internal/api/http/middleware"
)

// apiError 非 2xx 响应
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func newClient(opts *rootOptions) *resty.Client {
	c := resty.New().
		SetBaseURL(opts.APIURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		c.SetAuthToken(opts.Token)
	}
	if opts.UserID != "" {
		c.SetHeader(middleware.HeaderUserID, opts.UserID)
	}
	if opts.Role != "" {
		c.SetHeader(middleware.HeaderRole, opts.Role)
	}
	return c
}

// call 发送请求并把 JSON 响应解码为 map；非 2xx 返回 *apiError
func call(opts *rootOptions, method, path string, body any) (map[string]any, error) {
	var out map[string]any
	req := newClient(opts).R().SetResult(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, &apiError{Status: resp.StatusCode(), Body: resp.String()}
	}
	return out, nil
}

// render 按 --format 输出；text 模式下由 text 回调决定格式
func render(opts *rootOptions, w io.Writer, v map[string]any, text func(w io.Writer, v map[string]any)) error {
	if opts.Format == "json" || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w, v)
	return nil
}
