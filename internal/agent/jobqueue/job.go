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

// Package jobqueue 命名持久任务队列：按会话准入限流、worker 消费、按序幂等关闭
package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind 负载类型
type Kind string

const (
	KindMessagePersistence Kind = "message_persistence"
	KindToolExecution      Kind = "tool_execution"
	KindEmbedding          Kind = "embedding_generation"
	KindEventProcessing    Kind = "event_processing"
)

// Payload 任务负载；每种负载都属于某个会话，准入限流按会话计数
type Payload interface {
	Kind() Kind
	SessionID() string
}

// MessagePersistencePayload 将一条对话消息落库
type MessagePersistencePayload struct {
	Session   string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p MessagePersistencePayload) Kind() Kind        { return KindMessagePersistence }
func (p MessagePersistencePayload) SessionID() string { return p.Session }

// ToolExecutionPayload 在 ERP 网关上执行一次工具调用
type ToolExecutionPayload struct {
	Session   string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
	// RequireApproval 为 true 时先发起人工审批，拒绝或超时则不执行
	RequireApproval bool `json:"requireApproval,omitempty"`
	// FinalizeSession 为 true 时，执行结束后将该会话剩余在途调用作为孤儿落库
	FinalizeSession bool `json:"finalizeSession,omitempty"`
}

func (p ToolExecutionPayload) Kind() Kind        { return KindToolExecution }
func (p ToolExecutionPayload) SessionID() string { return p.Session }

// EmbeddingPayload 为文档分块生成向量
type EmbeddingPayload struct {
	Session    string   `json:"sessionId"`
	DocumentID string   `json:"documentId"`
	Chunks     []string `json:"chunks"`
}

func (p EmbeddingPayload) Kind() Kind        { return KindEmbedding }
func (p EmbeddingPayload) SessionID() string { return p.Session }

// EventProcessingPayload 异步追加一条会话事件
type EventProcessingPayload struct {
	Session   string          `json:"sessionId"`
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (p EventProcessingPayload) Kind() Kind        { return KindEventProcessing }
func (p EventProcessingPayload) SessionID() string { return p.Session }

// Job 队列中的任务；入队后由队列独占，直到 worker 完成或失败
type Job struct {
	ID         string          `json:"id"`
	QueueName  string          `json:"queueName"`
	Kind       Kind            `json:"kind"`
	SessionID  string          `json:"sessionId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"` // 已执行次数
	LastError  string          `json:"lastError,omitempty"`

	// MaxAttempts 由 worker 在执行前按队列配置填充，不入队
	MaxAttempts int `json:"-"`
}

// FinalAttempt 本次执行失败后不会再重试
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Decode 按 Kind 解码负载
func (j *Job) Decode() (Payload, error) {
	var p Payload
	switch j.Kind {
	case KindMessagePersistence:
		var v MessagePersistencePayload
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			return nil, err
		}
		p = v
	case KindToolExecution:
		var v ToolExecutionPayload
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			return nil, err
		}
		p = v
	case KindEmbedding:
		var v EmbeddingPayload
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			return nil, err
		}
		p = v
	case KindEventProcessing:
		var v EventProcessingPayload
		if err := json.Unmarshal(j.Payload, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}
	return p, nil
}

func decodeJob(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
