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

// Package realtime 会话级实时推送：向已连接客户端广播审批与工具事件，尽力而为，不保证送达
package realtime

import (
	"context"
	"encoding/json"
)

// 推送事件的持久化状态：已写入事件日志，或写入失败（降级）
const (
	PersistencePersisted = "persisted"
	PersistenceFailed    = "failed"
)

// Event 推送给客户端的事件；SequenceNumber 为 nil 表示未持久化（降级模式）
type Event struct {
	Type             string          `json:"type"`
	ApprovalID       string          `json:"approvalId,omitempty"`
	ToolUseID        string          `json:"toolUseId,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	SequenceNumber   *int64          `json:"sequenceNumber,omitempty"`
	EventID          string          `json:"eventId,omitempty"`
	PersistenceState string          `json:"persistenceState,omitempty"`
}

// Publisher 实时推送通道
type Publisher interface {
	Publish(ctx context.Context, sessionID string, ev Event) error
}

// PublisherFunc 函数适配
type PublisherFunc func(ctx context.Context, sessionID string, ev Event) error

// Publish 实现 Publisher
func (f PublisherFunc) Publish(ctx context.Context, sessionID string, ev Event) error {
	return f(ctx, sessionID, ev)
}

// Nop 丢弃所有事件
var Nop Publisher = PublisherFunc(func(context.Context, string, Event) error { return nil })

// Seq 便于构造 SequenceNumber
func Seq(n int64) *int64 { return &n }
