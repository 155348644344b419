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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bizassist/pkg/errors"
	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
)

// Processor 处理单个任务；返回错误时按队列重试策略重试或记为失败
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// ProcessorFunc 函数适配
type ProcessorFunc func(ctx context.Context, job *Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *Job) error { return f(ctx, job) }

// Deps Manager 的依赖；Broker 为 nil 时 Manager 按 Config.Redis 自建连接并在 Close 时关闭
type Deps struct {
	Broker     Broker
	Logger     *log.Logger
	OnJobEvent func(JobEvent)
}

// RateLimitStatus 会话当前窗口的准入情况
type RateLimitStatus struct {
	Count       int64 `json:"count"`
	Limit       int64 `json:"limit"`
	Remaining   int64 `json:"remaining"`
	WithinLimit bool  `json:"withinLimit"`
}

type queueState struct {
	cfg       QueueConfig
	handle    QueueHandle
	processor Processor
	limiter   *rate.Limiter
	workers   []*worker
	listener  *listener
}

// Manager 命名队列集合；实例由调用方显式持有
type Manager struct {
	cfg        Config
	broker     Broker
	ownsBroker bool
	logger     *log.Logger
	onEvent    func(JobEvent)

	mu      sync.Mutex
	queues  map[string]*queueState
	order   []string
	started bool
}

// NewManager 打开配置中的全部队列
func NewManager(ctx context.Context, deps Deps, cfg Config) (*Manager, error) {
	cfg.normalize()
	m := &Manager{
		cfg:     cfg,
		broker:  deps.Broker,
		logger:  deps.Logger,
		onEvent: deps.OnJobEvent,
		queues:  make(map[string]*queueState),
	}
	if m.logger == nil {
		m.logger = log.Nop()
	}
	if m.broker == nil {
		client, err := DialRedis(ctx, cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, errors.Unavailable(err, "redis broker")
		}
		m.broker = NewRedisBroker(client, cfg.Prefix).WithLease(cfg.Lease)
		m.ownsBroker = true
	}
	for _, qc := range cfg.Queues {
		if _, dup := m.queues[qc.Name]; dup {
			continue
		}
		h, err := m.broker.Queue(qc.Name)
		if err != nil {
			if m.ownsBroker {
				_ = m.broker.Close()
			}
			return nil, fmt.Errorf("open queue %s: %w", qc.Name, err)
		}
		qs := &queueState{cfg: qc, handle: h}
		if qc.LimiterMax > 0 {
			qs.limiter = rate.NewLimiter(rate.Every(qc.LimiterSpan/time.Duration(qc.LimiterMax)), qc.LimiterMax)
		}
		m.queues[qc.Name] = qs
		m.order = append(m.order, qc.Name)
	}
	return m, nil
}

// QueueNames 已配置的队列名
func (m *Manager) QueueNames() []string {
	return append([]string(nil), m.order...)
}

func (m *Manager) queue(name string) (*queueState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[name]
	if !ok {
		return nil, queueNotFound(name)
	}
	return qs, nil
}

// AddJob 准入检查通过后入队。超限返回 *RateLimitError 且不入队；计数存储不可用时按 FailOpen 放行
func (m *Manager) AddJob(ctx context.Context, queueName string, payload Payload) (string, error) {
	qs, err := m.queue(queueName)
	if err != nil {
		return "", err
	}
	if payload == nil || payload.SessionID() == "" {
		return "", fmt.Errorf("%w: session id is required", ErrInvalidPayload)
	}
	sessionID := payload.SessionID()
	if err := m.admit(ctx, queueName, sessionID); err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	job := &Job{
		ID:         uuid.New().String(),
		QueueName:  queueName,
		Kind:       payload.Kind(),
		SessionID:  sessionID,
		Payload:    body,
		EnqueuedAt: time.Now(),
	}
	if err := qs.handle.Enqueue(ctx, job); err != nil {
		return "", errors.Wrapf(err, "enqueue %s", queueName)
	}
	metrics.JobEnqueuedTotal.WithLabelValues(queueName).Inc()
	m.logger.Debug("job enqueued", "queue", queueName, "job_id", job.ID, "session_id", sessionID, "kind", job.Kind)
	return job.ID, nil
}

func (m *Manager) admit(ctx context.Context, queueName, sessionID string) error {
	rl := m.cfg.RateLimit
	count, err := m.broker.IncrWithExpiry(ctx, RateLimitKeyPrefix+sessionID, rl.Window)
	if err != nil {
		if rl.FailOpen {
			metrics.RateLimitFailOpenTotal.Inc()
			m.logger.Warn("rate limit check failed, allowing job", "queue", queueName, "session_id", sessionID, "error", err)
			return nil
		}
		return errors.Unavailable(err, "rate limiter")
	}
	if count > rl.Limit {
		metrics.RateLimitRejectedTotal.WithLabelValues(queueName).Inc()
		m.logger.Warn("rate limit exceeded", "queue", queueName, "session_id", sessionID, "count", count, "limit", rl.Limit)
		return &RateLimitError{SessionID: sessionID, Limit: rl.Limit, Count: count}
	}
	return nil
}

// GetRateLimitStatus 只读；计数存储不可用或无记录时返回 {0, limit, limit, true}
func (m *Manager) GetRateLimitStatus(ctx context.Context, sessionID string) RateLimitStatus {
	limit := m.cfg.RateLimit.Limit
	count, err := m.broker.Counter(ctx, RateLimitKeyPrefix+sessionID)
	if err != nil {
		m.logger.Warn("rate limit status unavailable", "session_id", sessionID, "error", err)
		count = 0
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitStatus{Count: count, Limit: limit, Remaining: remaining, WithinLimit: count <= limit}
}

// GetQueueStats 未知队列返回 ErrQueueNotFound
func (m *Manager) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	qs, err := m.queue(queueName)
	if err != nil {
		return QueueStats{}, err
	}
	return qs.handle.Stats(ctx)
}

// PauseQueue 暂停消费；入队不受影响。失败只记录并返回
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	qs, err := m.queue(queueName)
	if err != nil {
		m.logger.Warn("pause unknown queue", "queue", queueName)
		return err
	}
	if err := qs.handle.Pause(ctx); err != nil {
		m.logger.Error("pause queue failed", "queue", queueName, "error", err)
		return err
	}
	m.logger.Info("queue paused", "queue", queueName)
	return nil
}

// ResumeQueue 恢复消费
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	qs, err := m.queue(queueName)
	if err != nil {
		m.logger.Warn("resume unknown queue", "queue", queueName)
		return err
	}
	if err := qs.handle.Resume(ctx); err != nil {
		m.logger.Error("resume queue failed", "queue", queueName, "error", err)
		return err
	}
	m.logger.Info("queue resumed", "queue", queueName)
	return nil
}

// RegisterProcessor 须在 Start 之前调用
func (m *Manager) RegisterProcessor(queueName string, p Processor) error {
	qs, err := m.queue(queueName)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("register processor for %s: manager already started", queueName)
	}
	qs.processor = p
	return nil
}

// Start 为每个队列启动事件监听；已注册处理器的队列再启动 Concurrency 个 worker 与一个延迟任务搬运协程
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	for _, name := range m.order {
		qs := m.queues[name]
		sub, err := qs.handle.Subscribe(ctx)
		if err != nil {
			m.logger.Warn("queue event listener unavailable", "queue", name, "error", err)
		} else {
			qs.listener = startListener(name, sub, m.logger, m.onEvent)
		}
		if qs.processor == nil {
			continue
		}
		qs.workers = qs.workers[:0]
		for i := 0; i < qs.cfg.Concurrency; i++ {
			qs.workers = append(qs.workers, startWorker(ctx, m, qs, i))
		}
		qs.workers = append(qs.workers, startPromoter(ctx, m, qs))
	}
	m.started = true
	m.logger.Info("job queues started", "queues", strings.Join(m.order, ","))
	return nil
}

// Close 三阶段关闭：停止全部 worker；等待 SettleDelay 后关闭事件监听；再等待后关闭队列句柄，
// 仅在 broker 由本实例创建时关闭 broker。单步失败不中断后续步骤，汇总为一条告警；可重复调用
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*queueState, 0, len(m.order))
	for _, name := range m.order {
		queues = append(queues, m.queues[name])
	}
	m.started = false
	m.mu.Unlock()

	var failures []string
	record := func(step, queue string, err error) {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s %s: %v", step, queue, err))
		}
	}

	for _, qs := range queues {
		for _, w := range qs.workers {
			record("stop worker", qs.cfg.Name, w.stop(ctx))
		}
	}
	m.settle(ctx)

	for _, qs := range queues {
		if qs.listener != nil {
			record("close listener", qs.cfg.Name, qs.listener.close())
		}
	}
	m.settle(ctx)

	for _, qs := range queues {
		record("close queue", qs.cfg.Name, safeClose(qs.handle.Close))
	}
	if m.ownsBroker {
		record("close broker", "", safeClose(m.broker.Close))
	}

	if len(failures) > 0 {
		m.logger.Warn("job queue shutdown completed with errors", "count", len(failures), "errors", strings.Join(failures, "; "))
	} else {
		m.logger.Info("job queues closed")
	}
	return nil
}

func (m *Manager) settle(ctx context.Context) {
	if m.cfg.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(m.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// safeClose 将 panic 转为错误
func safeClose(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return fn()
}
