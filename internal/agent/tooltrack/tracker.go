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

package tooltrack

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
)

// State 工具调用状态
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateOrphaned  State = "orphaned"
)

// OrphanOutput 孤儿记录的输出占位
const OrphanOutput = "[incomplete: tool call did not return before the session ended]"

// ToolCallState 单次工具调用；Result/CompletedAt 在终态时填写
type ToolCallState struct {
	ToolUseID   string          `json:"toolUseId"`
	SessionID   string          `json:"sessionId"`
	ToolName    string          `json:"toolName"`
	Args        json.RawMessage `json:"args,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	State       State           `json:"state"`
	Error       string          `json:"error,omitempty"`

	finalizing bool // 孤儿批次写入中，仍计入在途
}

// ToolEvent 交给持久化 Sink 的终态记录
type ToolEvent struct {
	ToolUseID   string          `json:"toolUseId"`
	ToolName    string          `json:"toolName"`
	Args        json.RawMessage `json:"args,omitempty"`
	Output      string          `json:"output"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	State       State           `json:"state"`
	RequestedAt time.Time       `json:"requestedAt"`
	FinalizedAt time.Time       `json:"finalizedAt"`
}

// Sink 孤儿记录持久化；一次会话的孤儿通过单次批量调用写入
type Sink interface {
	PersistToolEventsAsync(ctx context.Context, sessionID string, events []ToolEvent) error
}

// Stats 计数快照
type Stats struct {
	Pending   int   `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Orphaned  int64 `json:"orphaned"`
}

// Tracker 在途工具调用登记表：OnToolRequested 插入，完成、孤儿落库成功或 Reset 时移除
type Tracker struct {
	mu        sync.Mutex
	pending   map[string]*ToolCallState
	completed int64
	failed    int64
	orphaned  int64
	logger    *log.Logger
	now       func() time.Time
}

// NewTracker logger 可为 nil
func NewTracker(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{
		pending: make(map[string]*ToolCallState),
		logger:  logger,
		now:     time.Now,
	}
}

// OnToolRequested 登记调用；同一 toolUseID 重复登记为空操作，以第一次为准
func (t *Tracker) OnToolRequested(sessionID, toolUseID, toolName string, args json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[toolUseID]; ok {
		return
	}
	t.pending[toolUseID] = &ToolCallState{
		ToolUseID:   toolUseID,
		SessionID:   sessionID,
		ToolName:    toolName,
		Args:        append(json.RawMessage(nil), args...),
		RequestedAt: t.now(),
		State:       StatePending,
	}
}

// OnToolCompleted 未登记或会话不匹配时返回 nil（孤儿响应，忽略）；否则移出在途集合并返回完整状态
func (t *Tracker) OnToolCompleted(sessionID, toolUseID string, result json.RawMessage, success bool, errMsg string) *ToolCallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.pending[toolUseID]
	if !ok {
		t.logger.Debug("tool result without request", "tool_use_id", toolUseID, "session_id", sessionID)
		return nil
	}
	if st.SessionID != sessionID {
		t.logger.Warn("tool result session mismatch", "tool_use_id", toolUseID, "session_id", sessionID, "expected_session_id", st.SessionID)
		return nil
	}
	if st.finalizing {
		// 真实结果优先；孤儿批次落库后不再计入 orphaned
		t.logger.Warn("tool completed while orphan finalize in flight", "tool_use_id", toolUseID, "session_id", sessionID)
		st.finalizing = false
	}
	delete(t.pending, toolUseID)
	now := t.now()
	st.CompletedAt = &now
	st.Result = append(json.RawMessage(nil), result...)
	if success {
		st.State = StateCompleted
		t.completed++
	} else {
		st.State = StateFailed
		st.Error = errMsg
		t.failed++
	}
	return st
}

// HasPendingTool toolUseID 是否在途
func (t *Tracker) HasPendingTool(toolUseID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[toolUseID]
	return ok
}

// FinalizeAndPersistOrphans 将 sessionID 的在途调用合成为失败终态，经 sink 单次批量写入；其他会话不受影响。
// 写入期间条目标记为 finalizing 并留在在途集合，期间到达的结果照常完成。
// 无孤儿时不调用 sink。sink 失败时清除标记并返回错误，便于重试
func (t *Tracker) FinalizeAndPersistOrphans(ctx context.Context, sessionID string, sink Sink) error {
	now := t.now()
	t.mu.Lock()
	var orphans []*ToolCallState
	var events []ToolEvent
	for _, st := range t.pending {
		if st.SessionID != sessionID || st.finalizing {
			continue
		}
		st.finalizing = true
		orphans = append(orphans, st)
		events = append(events, ToolEvent{
			ToolUseID:   st.ToolUseID,
			ToolName:    st.ToolName,
			Args:        st.Args,
			Output:      OrphanOutput,
			Success:     false,
			Error:       fmt.Sprintf("tool %s was still pending when session %s finalized", st.ToolName, sessionID),
			State:       StateOrphaned,
			RequestedAt: st.RequestedAt,
			FinalizedAt: now,
		})
	}
	t.mu.Unlock()
	if len(orphans) == 0 {
		return nil
	}

	if err := sink.PersistToolEventsAsync(ctx, sessionID, events); err != nil {
		t.mu.Lock()
		for _, st := range orphans {
			if t.pending[st.ToolUseID] == st {
				st.finalizing = false
			}
		}
		t.mu.Unlock()
		t.logger.Error("persist orphan tool calls failed", "session_id", sessionID, "count", len(orphans), "error", err)
		return fmt.Errorf("persist %d orphan tool calls: %w", len(orphans), err)
	}

	// 写入期间已完成或被 Reset 的条目不计入
	t.mu.Lock()
	var n int
	for _, st := range orphans {
		if t.pending[st.ToolUseID] == st && st.finalizing {
			delete(t.pending, st.ToolUseID)
			n++
		}
	}
	t.orphaned += int64(n)
	t.mu.Unlock()
	metrics.ToolCallsOrphanedTotal.Add(float64(n))
	t.logger.Info("orphan tool calls persisted", "session_id", sessionID, "count", n)
	return nil
}

// GetStats 返回独立副本
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Pending: len(t.pending), Completed: t.completed, Failed: t.failed, Orphaned: t.orphaned}
}

// PendingForSession 返回会话在途调用的副本
func (t *Tracker) PendingForSession(sessionID string) []ToolCallState {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []ToolCallState
	for _, st := range t.pending {
		if st.SessionID == sessionID {
			out = append(out, *st)
		}
	}
	return out
}

// Reset 清空在途集合与计数；可重复调用
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = make(map[string]*ToolCallState)
	t.completed, t.failed, t.orphaned = 0, 0, 0
}
