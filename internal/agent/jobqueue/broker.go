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
	"time"
)

// QueueStats 队列各状态的任务数
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// JobEvent broker 在任务完成或失败时广播
type JobEvent struct {
	Type     string `json:"type"` // completed | failed
	Queue    string `json:"queue"`
	JobID    string `json:"jobId"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
	Retrying bool   `json:"retrying,omitempty"`
}

const (
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Broker 共享的键值 broker：承载队列与限流计数
type Broker interface {
	// Queue 打开命名队列的句柄
	Queue(name string) (QueueHandle, error)
	// IncrWithExpiry 原子自增；仅在计数变为 1 时设置过期
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
	// Counter 读取计数；键不存在返回 0
	Counter(ctx context.Context, key string) (int64, error)
	Close() error
}

// QueueHandle 单个队列的生产与消费原语
type QueueHandle interface {
	Name() string
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue 阻塞至多 timeout；无任务或队列暂停时返回 (nil, nil)
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	// Fail retryAt 非零时任务进入延迟集合等待重试，否则记为最终失败
	Fail(ctx context.Context, job *Job, reason string, retryAt time.Time) error
	// Heartbeat 续期进行中任务的租约
	Heartbeat(ctx context.Context, job *Job) error
	// PromoteDue 把到期的延迟任务以及租约过期的进行中任务移回等待队列
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (QueueStats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription 任务事件订阅
type Subscription interface {
	Events() <-chan JobEvent
	Close() error
}
