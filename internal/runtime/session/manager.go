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
)

// ErrOwnerMismatch 已存在的会话属于其他用户
var ErrOwnerMismatch = errors.New("session belongs to another user")

// Manager 会话创建与查找
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Create 为 userID 创建新会话
func (m *Manager) Create(ctx context.Context, userID string) (*Session, error) {
	s := New("", userID)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// GetOrCreate 按 id 查找；不存在则以该 id 为 userID 创建。已存在但所有者不同返回 ErrOwnerMismatch
func (m *Manager) GetOrCreate(ctx context.Context, id, userID string) (*Session, error) {
	if id == "" {
		return m.Create(ctx, userID)
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s != nil {
		if !s.OwnedBy(userID) {
			return nil, ErrOwnerMismatch
		}
		return s, nil
	}
	s = New(id, userID)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
