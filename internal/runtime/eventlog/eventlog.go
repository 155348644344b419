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

// Package eventlog 会话级追加式事件日志：序号由日志自身按会话单调分配，是跨重启的权威来源
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// EventType 事件类型
type EventType string

const (
	ApprovalRequested EventType = "approval_requested"
	ApprovalResolved  EventType = "approval_resolved"
	ToolUseRequested  EventType = "tool_use"
	ToolUseCompleted  EventType = "tool_result"
	ToolUseOrphaned   EventType = "tool_orphaned"
	MessagePersisted  EventType = "message_persisted"
)

// ErrInvalidSession sessionID 为空
var ErrInvalidSession = errors.New("eventlog: session id is required")

// Event 单条不可变事件
type Event struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	SequenceNumber int64           `json:"sequenceNumber"`
	EventType      EventType       `json:"eventType"`
	Data           json.RawMessage `json:"data,omitempty"`
	PersistedAt    time.Time       `json:"persistedAt"`
}

// Appended AppendEvent 的返回：事件 ID 与该会话内的序号
type Appended struct {
	ID             string `json:"id"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// EventLog 事件日志；AppendEvent 可能因存储不可达失败，调用方须捕获并以降级模式继续
type EventLog interface {
	// AppendEvent 追加事件，data 会被编码为 JSON；返回日志分配的 ID 与序号
	AppendEvent(ctx context.Context, sessionID string, eventType EventType, data any) (Appended, error)
	// ListEvents 按序号升序返回 sequence_number > afterSeq 的事件
	ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)
}

// encodeData 将任意 data 编码为 JSON；已是 json.RawMessage / []byte 时原样使用
func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), v...), nil
	case []byte:
		return append(json.RawMessage(nil), v...), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
