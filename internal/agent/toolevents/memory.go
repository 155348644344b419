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

// Package toolevents 孤儿工具调用的持久化 Sink 实现
package toolevents

import (
	"context"
	"sync"

	"bizassist/internal/agent/tooltrack"
)

// Record 已持久化的工具事件
type Record struct {
	SessionID string
	tooltrack.ToolEvent
}

// Lister 可读回已持久化记录的 Sink
type Lister interface {
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
}

// MemorySink 内存实现，单进程与测试用
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	batches int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// PersistToolEventsAsync 实现 tooltrack.Sink
func (m *MemorySink) PersistToolEventsAsync(ctx context.Context, sessionID string, events []tooltrack.ToolEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	for _, e := range events {
		m.records = append(m.records, Record{SessionID: sessionID, ToolEvent: e})
	}
	return nil
}

// ListBySession 实现 Lister
func (m *MemorySink) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Batches 已接收的批次数
func (m *MemorySink) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}
