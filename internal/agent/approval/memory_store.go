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
	"sort"
	"sync"
	"time"

	"bizassist/internal/runtime/session"
)

// MemoryStore 内存实现；会话归属经 session.Store 查询
type MemoryStore struct {
	mu       sync.RWMutex
	rows     map[string]Request
	sessions session.Store
}

// NewMemoryStore sessions 为 nil 时使用空的内存会话存储
func NewMemoryStore(sessions session.Store) *MemoryStore {
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	return &MemoryStore{rows: make(map[string]Request), sessions: sessions}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	if r == nil || r.ID == "" {
		return ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.ID] = *r
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	r, ok := m.rows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	rec := &Record{Request: r}
	sess, err := m.sessions.Get(ctx, r.SessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		rec.SessionFound = true
		rec.SessionUserID = sess.UserID
	}
	return rec, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resolveLocked(id, status, decidedBy, decidedAt)
	return ok, nil
}

// resolveLocked 调用方持有写锁；返回更新前的记录用于回滚
func (m *MemoryStore) resolveLocked(id string, status Status, decidedBy string, decidedAt time.Time) (Request, bool) {
	r, ok := m.rows[id]
	if !ok || r.Status != StatusPending {
		return Request{}, false
	}
	prev := r
	r.Status = status
	at := decidedAt
	r.DecidedAt = &at
	r.DecidedBy = decidedBy
	m.rows[id] = r
	return prev, true
}

func (m *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Request
	for _, r := range m.rows {
		if r.SessionID == sessionID && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ExpireOverdue(ctx context.Context, now time.Time) ([]Expired, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Expired
	for id, r := range m.rows {
		if r.Status == StatusPending && r.ExpiresAt.Before(now) {
			m.resolveLocked(id, StatusExpired, "", now)
			out = append(out, Expired{ID: id, SessionID: r.SessionID})
		}
	}
	return out, nil
}

// WithTx 写入立即生效，fn 失败时按撤销日志恢复
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	store *MemoryStore
	undo  []Request
}

func (t *memoryTx) Load(ctx context.Context, id string) (*Record, error) {
	return t.store.Get(ctx, id)
}

func (t *memoryTx) Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	prev, ok := t.store.resolveLocked(id, status, decidedBy, decidedAt)
	if ok {
		t.undo = append(t.undo, prev)
	}
	return ok, nil
}

func (t *memoryTx) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.store.rows[t.undo[i].ID] = t.undo[i]
	}
}
