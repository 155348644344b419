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

package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBroker 进程内 broker，单进程与测试用
type MemoryBroker struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	counters map[string]memoryCounter
	now      func() time.Time
	closed   bool
}

type memoryCounter struct {
	value    int64
	expireAt time.Time
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:   make(map[string]*memoryQueue),
		counters: make(map[string]memoryCounter),
		now:      time.Now,
	}
}

func (b *MemoryBroker) Queue(name string) (QueueHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newMemoryQueue(name)
		b.queues[name] = q
	}
	return &memoryHandle{q: q}, nil
}

func (b *MemoryBroker) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrQueueClosed
	}
	now := b.now()
	c, ok := b.counters[key]
	if !ok || !now.Before(c.expireAt) {
		c = memoryCounter{expireAt: now.Add(window)}
	}
	c.value++
	b.counters[key] = c
	return c.value, nil
}

func (b *MemoryBroker) Counter(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrQueueClosed
	}
	c, ok := b.counters[key]
	if !ok || !b.now().Before(c.expireAt) {
		return 0, nil
	}
	return c.value, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// memoryQueue 队列状态在同名句柄间共享
type memoryQueue struct {
	name      string
	mu        sync.Mutex
	waiting   []*Job
	active    map[string]*Job
	delayed   []delayedJob
	completed int64
	failed    int64
	paused    bool
	notify    chan struct{}
	subs      map[*memorySub]struct{}
}

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

func newMemoryQueue(name string) *memoryQueue {
	return &memoryQueue{
		name:   name,
		active: make(map[string]*Job),
		notify: make(chan struct{}, 1),
		subs:   make(map[*memorySub]struct{}),
	}
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) publish(ev JobEvent) {
	for s := range q.subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

type memoryHandle struct {
	q      *memoryQueue
	mu     sync.Mutex
	closed bool
}

func (h *memoryHandle) Name() string { return h.q.name }

func (h *memoryHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *memoryHandle) Enqueue(ctx context.Context, job *Job) error {
	if h.isClosed() {
		return ErrQueueClosed
	}
	q := h.q
	q.mu.Lock()
	cp := *job
	q.waiting = append(q.waiting, &cp)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (h *memoryHandle) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	q := h.q
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if h.isClosed() {
			return nil, ErrQueueClosed
		}
		q.mu.Lock()
		if !q.paused && len(q.waiting) > 0 {
			j := q.waiting[0]
			q.waiting = q.waiting[1:]
			q.active[j.ID] = j
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			cp := *j
			return &cp, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (h *memoryHandle) Complete(ctx context.Context, job *Job) error {
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	q.completed++
	q.publish(JobEvent{Type: EventCompleted, Queue: q.name, JobID: job.ID, Attempt: job.Attempts})
	return nil
}

func (h *memoryHandle) Fail(ctx context.Context, job *Job, reason string, retryAt time.Time) error {
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	ev := JobEvent{Type: EventFailed, Queue: q.name, JobID: job.ID, Attempt: job.Attempts, Error: reason}
	if !retryAt.IsZero() {
		cp := *job
		cp.LastError = reason
		q.delayed = append(q.delayed, delayedJob{job: &cp, readyAt: retryAt})
		ev.Retrying = true
	} else {
		q.failed++
	}
	q.publish(ev)
	return nil
}

// Heartbeat 进程内队列随进程消亡，无需租约
func (h *memoryHandle) Heartbeat(ctx context.Context, job *Job) error { return nil }

func (h *memoryHandle) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	q := h.q
	q.mu.Lock()
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].readyAt.Before(q.delayed[j].readyAt) })
	n := 0
	for n < len(q.delayed) && !q.delayed[n].readyAt.After(now) {
		q.waiting = append(q.waiting, q.delayed[n].job)
		n++
	}
	q.delayed = q.delayed[n:]
	q.mu.Unlock()
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (h *memoryHandle) Stats(ctx context.Context) (QueueStats, error) {
	q := h.q
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   int64(len(q.delayed)),
	}, nil
}

func (h *memoryHandle) Pause(ctx context.Context) error {
	h.q.mu.Lock()
	h.q.paused = true
	h.q.mu.Unlock()
	return nil
}

func (h *memoryHandle) Resume(ctx context.Context) error {
	h.q.mu.Lock()
	h.q.paused = false
	h.q.mu.Unlock()
	h.q.signal()
	return nil
}

func (h *memoryHandle) Subscribe(ctx context.Context) (Subscription, error) {
	s := &memorySub{q: h.q, ch: make(chan JobEvent, 64)}
	h.q.mu.Lock()
	h.q.subs[s] = struct{}{}
	h.q.mu.Unlock()
	return s, nil
}

// Close 关闭句柄；可重复调用
func (h *memoryHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.q.signal()
	return nil
}

type memorySub struct {
	q    *memoryQueue
	ch   chan JobEvent
	once sync.Once
}

func (s *memorySub) Events() <-chan JobEvent { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.q.mu.Lock()
		delete(s.q.subs, s)
		s.q.mu.Unlock()
		close(s.ch)
	})
	return nil
}
