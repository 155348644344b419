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
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryLog 内存实现：按会话保存事件切片，序号 = 切片长度
type memoryLog struct {
	mu        sync.RWMutex
	bySession map[string][]Event
}

// NewMemoryLog 创建内存版事件日志；单进程或测试用
func NewMemoryLog() EventLog {
	return &memoryLog{bySession: make(map[string][]Event)}
}

func (m *memoryLog) AppendEvent(ctx context.Context, sessionID string, eventType EventType, data any) (Appended, error) {
	if sessionID == "" {
		return Appended{}, ErrInvalidSession
	}
	payload, err := encodeData(data)
	if err != nil {
		return Appended{}, err
	}
	ev := Event{
		ID:          "ev-" + uuid.New().String(),
		SessionID:   sessionID,
		EventType:   eventType,
		Data:        payload,
		PersistedAt: time.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.bySession[sessionID]
	ev.SequenceNumber = int64(len(current)) + 1
	m.bySession[sessionID] = append(current, ev)
	return Appended{ID: ev.ID, SequenceNumber: ev.SequenceNumber}, nil
}

func (m *memoryLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.bySession[sessionID]
	var out []Event
	for _, e := range events {
		if e.SequenceNumber <= afterSeq {
			continue
		}
		cp := e
		if len(e.Data) > 0 {
			cp.Data = append([]byte(nil), e.Data...)
		}
		out = append(out, cp)
	}
	return out, nil
}
