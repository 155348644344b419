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

// Package session 会话元数据：审批归属校验所依赖的 sessionID → userID 映射
package session

import (
	"time"

	"github.com/google/uuid"
)

// Session 会话；UserID 为会话所有者，审批只允许所有者响应
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// New 创建会话；id 为空时生成
func New(id, userID string) *Session {
	if id == "" {
		id = "session-" + uuid.New().String()
	}
	return &Session{ID: id, UserID: userID, CreatedAt: time.Now()}
}

// OwnedBy 是否为 userID 所有
func (s *Session) OwnedBy(userID string) bool {
	return s != nil && userID != "" && s.UserID == userID
}
