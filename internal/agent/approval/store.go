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
	"time"
)

// Store 审批持久化；状态更新均带 status='pending' 守卫，保证终态只写一次
type Store interface {
	Create(ctx context.Context, r *Request) error
	// Get 联合读取审批与会话；不存在返回 (nil, nil)
	Get(ctx context.Context, id string) (*Record, error)
	// Resolve 仅当仍为 pending 时写入终态；返回是否实际更新
	Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error)
	ListPending(ctx context.Context, sessionID string) ([]Request, error)
	// ExpireOverdue 将 expires_at 早于 now 的 pending 审批批量置为 expired
	ExpireOverdue(ctx context.Context, now time.Time) ([]Expired, error)
	// WithTx 在事务内执行 fn；fn 返回错误则回滚
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 原子响应路径使用的事务视图
type Tx interface {
	Load(ctx context.Context, id string) (*Record, error)
	Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error)
}
