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

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store 会话存储；Get 在不存在时返回 (nil, nil)
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
}

// MemoryStore 内存实现
type MemoryStore struct {
	mu   sync.RWMutex
	sess map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sess: make(map[string]*Session)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sess[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sess[s.ID] = &cp
	return nil
}

// PostgresStore 基于 sessions 表
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Put 插入或更新所有者
func (p *PostgresStore) Put(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		s.ID, s.UserID, created)
	return err
}
