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

package approval

import (
	"context"
	"sync"
	"time"

	"bizassist/pkg/metrics"
)

// pendingEntry 进程内等待项：审批发起方阻塞于 done，直到决定、超时或 Reset；不持久化，进程重启即丢失
type pendingEntry struct {
	id        string
	sessionID string
	toolName  string
	expiresAt time.Time
	deadline  time.Time // 按真实时钟计算的超时时刻
	onExpire  func(id string)
	timer     *time.Timer

	once     sync.Once
	done     chan struct{}
	approved bool
}

func newPendingEntry(req *Request) *pendingEntry {
	return &pendingEntry{
		id:        req.ID,
		sessionID: req.SessionID,
		toolName:  req.ToolName,
		expiresAt: req.ExpiresAt,
		done:      make(chan struct{}),
	}
}

// resolve 停止定时器并唤醒等待方；只生效一次
func (e *pendingEntry) resolve(approved bool) {
	e.once.Do(func() {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.approved = approved
		close(e.done)
	})
}

// registry approvalID → 等待项；请求时插入，任何终态路径或 Reset 时移除
type registry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*pendingEntry)}
}

// register 登记等待项，此时即可被认领；定时器由 startTimer 启动
func (r *registry) register(e *pendingEntry, d time.Duration, onExpire func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.deadline = time.Now().Add(d)
	e.onExpire = onExpire
	r.entries[e.id] = e
	metrics.ApprovalPending.Set(float64(len(r.entries)))
}

// startTimer 按剩余时间启动超时定时器；已被认领的等待项不再启动
func (r *registry) startTimer(e *pendingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.id] != e {
		return
	}
	r.armLocked(e)
}

func (r *registry) armLocked(e *pendingEntry) {
	if e.timer != nil || e.onExpire == nil {
		return
	}
	d := time.Until(e.deadline)
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() { e.onExpire(e.id) })
}

// claim 取出并移除等待项；不存在返回 nil。同一 ID 只有一个调用方能认领成功
func (r *registry) claim(id string) *pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	delete(r.entries, id)
	metrics.ApprovalPending.Set(float64(len(r.entries)))
	return e
}

// restore 放回已认领但未能提交的等待项
func (r *registry) restore(e *pendingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.id]; !ok {
		r.entries[e.id] = e
		r.armLocked(e)
	}
	metrics.ApprovalPending.Set(float64(len(r.entries)))
}

func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// drain 移除全部等待项
func (r *registry) drain() []*pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pendingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.entries = make(map[string]*pendingEntry)
	metrics.ApprovalPending.Set(0)
	return out
}

// Ticket 审批发起方持有的句柄
type Ticket struct {
	ID    string
	entry *pendingEntry
}

// Done 决定、超时或 Reset 后关闭
func (t *Ticket) Done() <-chan struct{} { return t.entry.done }

// Approved Done 关闭后有效
func (t *Ticket) Approved() bool {
	select {
	case <-t.entry.done:
		return t.entry.approved
	default:
		return false
	}
}

// Wait 阻塞直到审批有结果；ctx 取消时返回 false，审批本身仍保持 pending 直到超时
func (t *Ticket) Wait(ctx context.Context) bool {
	select {
	case <-t.entry.done:
		return t.entry.approved
	case <-ctx.Done():
		return false
	}
}
