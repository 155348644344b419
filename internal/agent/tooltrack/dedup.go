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

// Package tooltrack 工具调用的幂等去重与生命周期跟踪：保证每个在途调用要么完成，要么以孤儿记录落库
package tooltrack

import (
	"sync"
	"time"

	"bizassist/pkg/metrics"
)

// CheckResult CheckAndMark 的返回
type CheckResult struct {
	IsDuplicate bool      `json:"isDuplicate"`
	ToolUseID   string    `json:"toolUseId"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
}

// DedupEntry 首次出现记录，创建后不可变，仅 Reset 清除
type DedupEntry struct {
	ToolUseID   string
	FirstSeenAt time.Time
}

// DedupStats 去重统计
type DedupStats struct {
	TotalTracked        int   `json:"totalTracked"`
	DuplicatesPrevented int64 `json:"duplicatesPrevented"`
}

// Deduplicator 多条流式路径观察到同一 tool_use 时只放行第一次
type Deduplicator struct {
	mu         sync.Mutex
	seen       map[string]DedupEntry
	duplicates int64
	now        func() time.Time
}

// NewDeduplicator 创建去重器
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]DedupEntry), now: time.Now}
}

// CheckAndMark 首次调用记录 FirstSeenAt 并返回 IsDuplicate=false；之后同一 ID 均返回 true 且 FirstSeenAt 不变
func (d *Deduplicator) CheckAndMark(toolUseID string) CheckResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.seen[toolUseID]; ok {
		d.duplicates++
		metrics.ToolEventDuplicatesTotal.Inc()
		return CheckResult{IsDuplicate: true, ToolUseID: toolUseID, FirstSeenAt: e.FirstSeenAt}
	}
	e := DedupEntry{ToolUseID: toolUseID, FirstSeenAt: d.now()}
	d.seen[toolUseID] = e
	return CheckResult{IsDuplicate: false, ToolUseID: toolUseID, FirstSeenAt: e.FirstSeenAt}
}

// HasSeen 仅查询，不标记
func (d *Deduplicator) HasSeen(toolUseID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[toolUseID]
	return ok
}

func (d *Deduplicator) GetStats() DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DedupStats{TotalTracked: len(d.seen), DuplicatesPrevented: d.duplicates}
}

// Reset 清空记录与计数；可重复调用
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]DedupEntry)
	d.duplicates = 0
}
