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

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// httpLog 远程事件服务客户端：独立部署的事件日志服务，序号由服务端分配
type httpLog struct {
	client *resty.Client
}

// NewHTTPLog 创建远程事件日志客户端；baseURL 形如 http://events:8090
func NewHTTPLog(baseURL string, timeout time.Duration) EventLog {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpLog{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

type appendRequest struct {
	EventType EventType `json:"eventType"`
	Data      any       `json:"data"`
}

func (h *httpLog) AppendEvent(ctx context.Context, sessionID string, eventType EventType, data any) (Appended, error) {
	if sessionID == "" {
		return Appended{}, ErrInvalidSession
	}
	payload, err := encodeData(data)
	if err != nil {
		return Appended{}, err
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(appendRequest{EventType: eventType, Data: payload}).
		Post("/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return Appended{}, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return Appended{}, fmt.Errorf("POST events: %d %s", resp.StatusCode(), resp.String())
	}
	var out Appended
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ID == "" || out.SequenceNumber <= 0 {
		return Appended{}, fmt.Errorf("POST events: malformed response %s", resp.String())
	}
	return out, nil
}

func (h *httpLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParam("after", strconv.FormatInt(afterSeq, 10)).
		Get("/sessions/" + url.PathEscape(sessionID) + "/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET events: %d %s", resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("GET events: decode response: %w", err)
	}
	return out.Events, nil
}
