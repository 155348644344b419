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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bizassist/internal/runtime/eventlog"
	"bizassist/internal/runtime/realtime"
	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
	"bizassist/pkg/tracing"
)

const (
	// DefaultTimeout 未指定 ExpiresIn 时的审批有效期
	DefaultTimeout = 5 * time.Minute
	// 超时回调中访问存储的时限
	expireStoreTimeout = 10 * time.Second
)

// Deps Coordinator 的依赖；Store/EventLog/Publisher 为 nil 时使用内存实现
type Deps struct {
	Store          Store
	EventLog       eventlog.EventLog
	Publisher      realtime.Publisher
	Logger         *log.Logger
	Clock          func() time.Time
	DefaultTimeout time.Duration
}

// Coordinator 审批协调器：持久记录 + 进程内等待项 + 事件日志三条时间线的协调
type Coordinator struct {
	store          Store
	events         eventlog.EventLog
	publisher      realtime.Publisher
	logger         *log.Logger
	now            func() time.Time
	defaultTimeout time.Duration
	pending        *registry
}

// NewCoordinator 创建协调器；测试结束时调用 Reset 释放等待项
func NewCoordinator(deps Deps) *Coordinator {
	c := &Coordinator{
		store:          deps.Store,
		events:         deps.EventLog,
		publisher:      deps.Publisher,
		logger:         deps.Logger,
		now:            deps.Clock,
		defaultTimeout: deps.DefaultTimeout,
		pending:        newRegistry(),
	}
	if c.store == nil {
		c.store = NewMemoryStore(nil)
	}
	if c.events == nil {
		c.events = eventlog.NewMemoryLog()
	}
	if c.publisher == nil {
		c.publisher = realtime.Nop
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.defaultTimeout <= 0 {
		c.defaultTimeout = DefaultTimeout
	}
	return c
}

// RequestInput 发起审批的参数
type RequestInput struct {
	SessionID string
	ToolName  string
	ToolArgs  ToolArgs
	Priority  Priority
	ExpiresIn time.Duration
}

// Request 写入 pending 记录、登记等待项并追加 approval_requested 事件，之后才按剩余时间启动超时定时器，
// 保证 approval_resolved 的序号不早于 approval_requested。事件日志失败不影响返回，推送事件携带 persistenceState=failed
func (c *Coordinator) Request(ctx context.Context, in RequestInput) (_ *Ticket, err error) {
	if in.SessionID == "" || in.ToolName == "" {
		return nil, fmt.Errorf("%w: session id and tool name are required", ErrInvalidRequest)
	}
	expiresIn := in.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = c.defaultTimeout
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	now := c.now()
	req := &Request{
		ID:        "approval-" + uuid.New().String(),
		SessionID: in.SessionID,
		ToolName:  in.ToolName,
		ToolArgs:  in.ToolArgs,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	}
	ctx, span := tracing.StartApprovalSpan(ctx, "request", req.ID)
	defer func() { tracing.EndSpan(span, err) }()

	if err := c.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	entry := newPendingEntry(req)
	c.pending.register(entry, expiresIn, c.expire)
	metrics.ApprovalRequestedTotal.WithLabelValues(req.ToolName).Inc()
	c.logger.Info("approval requested", "approval_id", req.ID, "session_id", req.SessionID, "tool", req.ToolName, "expires_at", req.ExpiresAt)

	c.emit(ctx, req.SessionID, eventlog.ApprovalRequested, req.ID, map[string]any{
		"approvalId": req.ID,
		"toolName":   req.ToolName,
		"toolArgs":   req.ToolArgs,
		"priority":   req.Priority,
		"expiresAt":  req.ExpiresAt,
	})
	c.pending.startTimer(entry)
	return &Ticket{ID: req.ID, entry: entry}, nil
}

// RequestAndWait 发起审批并阻塞直到结果；批准返回 true，拒绝或超时返回 false
func (c *Coordinator) RequestAndWait(ctx context.Context, in RequestInput) (bool, error) {
	t, err := c.Request(ctx, in)
	if err != nil {
		return false, err
	}
	return t.Wait(ctx), nil
}

// RespondToApproval 非事务响应路径：写入终态、追加 approval_resolved 事件并唤醒等待方。
// 存储失败时等待方仍以 false 被唤醒，发起方不会永久阻塞
func (c *Coordinator) RespondToApproval(ctx context.Context, approvalID string, decision Decision, userID string) (err error) {
	ctx, span := tracing.StartApprovalSpan(ctx, "respond", approvalID)
	defer func() { tracing.EndSpan(span, err) }()

	updated, err := c.store.Resolve(ctx, approvalID, decision.Status(), userID, c.now())
	if err != nil {
		c.logger.Error("approval update failed", "approval_id", approvalID, "error", err)
		c.settle(approvalID, false)
		return fmt.Errorf("resolve approval %s: %w", approvalID, err)
	}
	rec, err := c.store.Get(ctx, approvalID)
	if err != nil {
		c.settle(approvalID, updated && decision == Approve)
		return fmt.Errorf("load approval %s: %w", approvalID, err)
	}
	if rec == nil {
		c.settle(approvalID, false)
		return ErrNotFound
	}
	if !updated {
		c.settle(approvalID, rec.Status == StatusApproved)
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, rec.Status)
	}
	metrics.ApprovalResolvedTotal.WithLabelValues(string(decision.Status())).Inc()
	c.logger.Info("approval resolved", "approval_id", approvalID, "decision", decision, "user_id", userID)
	c.emit(ctx, rec.SessionID, eventlog.ApprovalResolved, approvalID, map[string]any{
		"approvalId": approvalID,
		"decision":   decision,
		"decidedBy":  userID,
	})
	c.settle(approvalID, decision == Approve)
	return nil
}

// expire 超时回调：带守卫地写入 expired，尝试追加 decision=expired 事件，等待方得到 false
func (c *Coordinator) expire(approvalID string) {
	e := c.pending.claim(approvalID)
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), expireStoreTimeout)
	defer cancel()

	updated, err := c.store.Resolve(ctx, approvalID, StatusExpired, "", c.now())
	if err != nil {
		c.logger.Warn("approval expiry write failed", "approval_id", approvalID, "error", err)
	}
	if err == nil && !updated {
		// 已被其他进程写入终态，按持久结果唤醒
		if rec, gerr := c.store.Get(ctx, approvalID); gerr == nil && rec != nil {
			e.resolve(rec.Status == StatusApproved)
			return
		}
		e.resolve(false)
		return
	}
	metrics.ApprovalResolvedTotal.WithLabelValues(string(StatusExpired)).Inc()
	c.logger.Info("approval expired", "approval_id", approvalID, "session_id", e.sessionID)
	c.emit(ctx, e.sessionID, eventlog.ApprovalResolved, approvalID, map[string]any{
		"approvalId": approvalID,
		"decision":   StatusExpired,
	})
	e.resolve(false)
}

// settle 唤醒并移除等待项（若存在）
func (c *Coordinator) settle(approvalID string, approved bool) {
	if e := c.pending.claim(approvalID); e != nil {
		e.resolve(approved)
	}
}

// ExpireOldApprovals 批量将过期仍为 pending 的审批置为 expired；本进程持有的等待项一并以 false 唤醒
func (c *Coordinator) ExpireOldApprovals(ctx context.Context) (int64, error) {
	expired, err := c.store.ExpireOverdue(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	for _, x := range expired {
		metrics.ApprovalResolvedTotal.WithLabelValues(string(StatusExpired)).Inc()
		if e := c.pending.claim(x.ID); e != nil {
			c.emit(ctx, x.SessionID, eventlog.ApprovalResolved, x.ID, map[string]any{
				"approvalId": x.ID,
				"decision":   StatusExpired,
			})
			e.resolve(false)
		}
	}
	if len(expired) > 0 {
		c.logger.Info("expired overdue approvals", "count", len(expired))
	}
	return int64(len(expired)), nil
}

// GetPendingApprovals 会话下仍为 pending 的审批
func (c *Coordinator) GetPendingApprovals(ctx context.Context, sessionID string) ([]Request, error) {
	return c.store.ListPending(ctx, sessionID)
}

// HasPending 本进程是否持有该审批的等待项
func (c *Coordinator) HasPending(approvalID string) bool {
	return c.pending.has(approvalID)
}

// PendingCount 本进程等待项数量
func (c *Coordinator) PendingCount() int {
	return c.pending.size()
}

// Reset 停止全部定时器并以 false 唤醒所有等待方
func (c *Coordinator) Reset() {
	for _, e := range c.pending.drain() {
		e.resolve(false)
	}
}

// emit 追加事件并推送；事件日志失败时以 fallback ID 和 persistenceState=failed 推送。
// 推送与日志失败都只记录，不影响调用方
func (c *Coordinator) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, approvalID string, data map[string]any) {
	ctx = context.WithoutCancel(ctx)
	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Error("encode approval event", "approval_id", approvalID, "error", err)
		return
	}
	ev := realtime.Event{Type: string(eventType), ApprovalID: approvalID, Data: payload}
	appended, err := c.events.AppendEvent(ctx, sessionID, eventType, json.RawMessage(payload))
	if err != nil {
		metrics.EventLogDegradedTotal.WithLabelValues(string(eventType)).Inc()
		c.logger.Warn("event log append failed, continuing degraded",
			"event_type", eventType, "approval_id", approvalID, "session_id", sessionID, "error", err)
		ev.EventID = "fallback-" + uuid.New().String()
		ev.PersistenceState = realtime.PersistenceFailed
	} else {
		ev.EventID = appended.ID
		ev.SequenceNumber = realtime.Seq(appended.SequenceNumber)
		ev.PersistenceState = realtime.PersistencePersisted
	}
	if err := c.publisher.Publish(ctx, sessionID, ev); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("realtime publish failed", "event_type", eventType, "session_id", sessionID, "error", err)
	}
}
