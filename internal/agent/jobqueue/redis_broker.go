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
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithExpiry 原子自增，仅首次自增时设置过期，窗口不会被后续请求延长
var incrWithExpiry = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// promoteDue 将 score <= now 的延迟任务移回等待队列
var promoteDue = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// reclaimExpired 租约过期的进行中任务放回等待队列队首，并记一次中断的执行
var reclaimExpired = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 1, id)
  redis.call('HINCRBY', KEYS[4], id, 1)
  redis.call('RPUSH', KEYS[3], id)
end
return #ids
`)

// RedisBroker 基于 go-redis 的 broker。键布局（prefix:queue 下）：
// wait/active 为 ID 列表，delayed 为按就绪时间排序的 ZSET，leases 为进行中任务按租约到期排序的 ZSET，
// jobs 为任务体 HASH，interrupted 为租约过期次数 HASH，
// completed/failed 为计数，paused 为暂停标记，events 为任务事件频道
type RedisBroker struct {
	client *redis.Client
	prefix string
	lease  time.Duration
}

// NewRedisBroker client 的生命周期由调用方负责；prefix 为空时使用 "bizassist"
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = "bizassist"
	}
	return &RedisBroker{client: client, prefix: prefix, lease: DefaultLease}
}

// WithLease 设置进行中任务的租约；d <= 0 时保持默认
func (b *RedisBroker) WithLease(d time.Duration) *RedisBroker {
	if d > 0 {
		b.lease = d
	}
	return b
}

// DialRedis 按配置建立连接并 Ping；URL 优先于 Addr
func DialRedis(ctx context.Context, url, addr, password string, db int) (*redis.Client, error) {
	var opts *redis.Options
	if url != "" {
		o, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: addr, Password: password, DB: db}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (b *RedisBroker) Queue(name string) (QueueHandle, error) {
	return &redisQueue{client: b.client, name: name, base: b.prefix + ":" + name, lease: b.lease}, nil
}

func (b *RedisBroker) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	secs := int64(window / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return incrWithExpiry.Run(ctx, b.client, []string{key}, secs).Int64()
}

func (b *RedisBroker) Counter(ctx context.Context, key string) (int64, error) {
	v, err := b.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisQueue struct {
	client *redis.Client
	name   string
	base   string
	lease  time.Duration

	mu     sync.Mutex
	closed bool
}

func (q *redisQueue) key(s string) string { return q.base + ":" + s }

func (q *redisQueue) Name() string { return q.name }

func (q *redisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *redisQueue) Enqueue(ctx context.Context, job *Job) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("jobs"), job.ID, body)
		pipe.LPush(ctx, q.key("wait"), job.ID)
		return nil
	})
	return err
}

func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	paused, err := q.client.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, nil
		}
	}
	id, err := q.client.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bodyCmd, interruptedCmd *redis.StringCmd
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.key("leases"), redis.Z{Score: q.leaseDeadline(), Member: id})
		bodyCmd = pipe.HGet(ctx, q.key("jobs"), id)
		interruptedCmd = pipe.HGet(ctx, q.key("interrupted"), id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	body, err := bodyCmd.Bytes()
	if err != nil {
		// 任务体缺失：丢弃该 ID，避免 active 中残留
		_, _ = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.key("active"), 1, id)
			pipe.ZRem(ctx, q.key("leases"), id)
			pipe.HDel(ctx, q.key("interrupted"), id)
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	job, err := decodeJob(body)
	if err != nil {
		return nil, err
	}
	// 中断的执行计入已执行次数
	job.Attempts += int(counterVal(interruptedCmd))
	return job, nil
}

func (q *redisQueue) leaseDeadline() float64 {
	return float64(time.Now().Add(q.lease).UnixMilli())
}

// Heartbeat 仅续期仍在 leases 中的任务；已被回收的任务不会被重新登记
func (q *redisQueue) Heartbeat(ctx context.Context, job *Job) error {
	return q.client.ZAddXX(ctx, q.key("leases"), redis.Z{Score: q.leaseDeadline(), Member: job.ID}).Err()
}

func (q *redisQueue) Complete(ctx context.Context, job *Job) error {
	ev, _ := json.Marshal(JobEvent{Type: EventCompleted, Queue: q.name, JobID: job.ID, Attempt: job.Attempts})
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.ZRem(ctx, q.key("leases"), job.ID)
		pipe.HDel(ctx, q.key("interrupted"), job.ID)
		pipe.HDel(ctx, q.key("jobs"), job.ID)
		pipe.Incr(ctx, q.key("completed"))
		pipe.Publish(ctx, q.key("events"), ev)
		return nil
	})
	return err
}

func (q *redisQueue) Fail(ctx context.Context, job *Job, reason string, retryAt time.Time) error {
	event := JobEvent{Type: EventFailed, Queue: q.name, JobID: job.ID, Attempt: job.Attempts, Error: reason, Retrying: !retryAt.IsZero()}
	ev, _ := json.Marshal(event)
	cp := *job
	cp.LastError = reason
	body, err := json.Marshal(&cp)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.ZRem(ctx, q.key("leases"), job.ID)
		// 任务体中的 Attempts 已含中断次数
		pipe.HDel(ctx, q.key("interrupted"), job.ID)
		if event.Retrying {
			pipe.HSet(ctx, q.key("jobs"), job.ID, body)
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(retryAt.UnixMilli()), Member: job.ID})
		} else {
			pipe.HDel(ctx, q.key("jobs"), job.ID)
			pipe.Incr(ctx, q.key("failed"))
		}
		pipe.Publish(ctx, q.key("events"), ev)
		return nil
	})
	return err
}

func (q *redisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteDue.Run(ctx, q.client, []string{q.key("delayed"), q.key("wait")}, now.UnixMilli()).Int()
	if err != nil {
		return 0, err
	}
	r, err := reclaimExpired.Run(ctx, q.client,
		[]string{q.key("leases"), q.key("active"), q.key("wait"), q.key("interrupted")}, now.UnixMilli()).Int()
	return n + r, err
}

func (q *redisQueue) Stats(ctx context.Context) (QueueStats, error) {
	var waiting, active, delayed *redis.IntCmd
	var completed, failed *redis.StringCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key("wait"))
		active = pipe.LLen(ctx, q.key("active"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		completed = pipe.Get(ctx, q.key("completed"))
		failed = pipe.Get(ctx, q.key("failed"))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return QueueStats{}, err
	}
	return QueueStats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: counterVal(completed),
		Failed:    counterVal(failed),
		Delayed:   delayed.Val(),
	}, nil
}

func counterVal(cmd *redis.StringCmd) int64 {
	n, _ := strconv.ParseInt(cmd.Val(), 10, 64)
	return n
}

func (q *redisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.key("paused"), "1", 0).Err()
}

func (q *redisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.key("paused")).Err()
}

func (q *redisQueue) Subscribe(ctx context.Context) (Subscription, error) {
	ps := q.client.Subscribe(ctx, q.key("events"))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSub{ps: ps, ch: make(chan JobEvent, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

// Close 只关闭句柄，不关闭共享连接；可重复调用
func (q *redisQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan JobEvent
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSub) pump() {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev JobEvent
			if json.Unmarshal([]byte(m.Payload), &ev) != nil {
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Events() <-chan JobEvent { return s.ch }

func (s *redisSub) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
