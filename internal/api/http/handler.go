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

package http

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"bizassist/internal/agent/approval"
	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/runtime/eventlog"
	"bizassist/internal/runtime/session"
	"bizassist/pkg/auth"
	"bizassist/pkg/config"
	pkgerrors "bizassist/pkg/errors"
	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
)

// ApprovalService 审批协调器中 HTTP 层用到的部分
type ApprovalService interface {
	ValidateApprovalOwnership(ctx context.Context, approvalID, userID string) (approval.OwnershipResult, error)
	RespondToApprovalAtomic(ctx context.Context, approvalID string, decision approval.Decision, userID string) (approval.AtomicResult, error)
	GetPendingApprovals(ctx context.Context, sessionID string) ([]approval.Request, error)
}

// QueueService 任务队列管理器中 HTTP 层用到的部分
type QueueService interface {
	AddJob(ctx context.Context, queueName string, payload jobqueue.Payload) (string, error)
	GetQueueStats(ctx context.Context, queueName string) (jobqueue.QueueStats, error)
	PauseQueue(ctx context.Context, queueName string) error
	ResumeQueue(ctx context.Context, queueName string) error
	GetRateLimitStatus(ctx context.Context, sessionID string) jobqueue.RateLimitStatus
}

// SessionService 会话归属查询
type SessionService interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Handler HTTP 适配层：只做参数解析、归属校验与错误码映射
type Handler struct {
	approvals ApprovalService
	queues    QueueService
	sessions  SessionService
	events    eventlog.EventLog
	logger    *log.Logger
}

// NewHandler events 可为 nil，此时事件查询返回 503
func NewHandler(approvals ApprovalService, queues QueueService, sessions SessionService, events eventlog.EventLog, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return &Handler{approvals: approvals, queues: queues, sessions: sessions, events: events, logger: logger}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) fail(c *app.RequestContext, status int, code, msg string) {
	c.JSON(status, errorBody{Error: msg, Code: code})
}

// HealthCheck GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

// Metrics GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.fail(c, consts.StatusInternalServerError, "", err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type respondRequest struct {
	Decision string `json:"decision"`
}

// approvalCodeStatus 原子应答失败码到 HTTP 状态码
var approvalCodeStatus = map[approval.ErrorCode]int{
	approval.CodeApprovalNotFound: consts.StatusNotFound,
	approval.CodeSessionNotFound:  consts.StatusNotFound,
	approval.CodeUnauthorized:     consts.StatusForbidden,
	approval.CodeAlreadyResolved:  consts.StatusConflict,
	approval.CodeExpired:          consts.StatusGone,
	approval.CodeNoPendingPromise: consts.StatusConflict,
}

func codeStatus(code approval.ErrorCode) int {
	if s, ok := approvalCodeStatus[code]; ok {
		return s
	}
	return consts.StatusBadRequest
}

// RespondToApproval POST /api/approvals/:id/respond，先校验归属，再走原子应答
func (h *Handler) RespondToApproval(ctx context.Context, c *app.RequestContext) {
	approvalID := c.Param("id")
	userID := auth.GetUserID(ctx)

	var req respondRequest
	if err := c.BindJSON(&req); err != nil {
		h.fail(c, consts.StatusBadRequest, "", "invalid request body")
		return
	}
	decision, err := approval.ParseDecision(req.Decision)
	if err != nil {
		h.fail(c, consts.StatusBadRequest, "", "decision must be approved or rejected")
		return
	}

	own, err := h.approvals.ValidateApprovalOwnership(ctx, approvalID, userID)
	if err != nil {
		h.logger.Error("approval ownership check failed", "approval_id", approvalID, "error", err)
		h.fail(c, consts.StatusInternalServerError, "", "approval lookup failed")
		return
	}
	if !own.IsOwner {
		h.fail(c, codeStatus(own.Error), string(own.Error), "approval not accessible")
		return
	}

	res, err := h.approvals.RespondToApprovalAtomic(ctx, approvalID, decision, userID)
	if err != nil {
		h.logger.Error("approval respond failed", "approval_id", approvalID, "error", err)
		h.fail(c, consts.StatusInternalServerError, "", "approval update failed")
		return
	}
	if !res.Success {
		c.JSON(codeStatus(res.Error), res)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{
		"success":    true,
		"approvalId": approvalID,
		"decision":   decision,
		"sessionId":  res.SessionID,
	})
}

// ownSession 会话不存在 404，不属于当前用户 403（管理员与运维可读任意会话）
func (h *Handler) ownSession(ctx context.Context, c *app.RequestContext) (string, bool) {
	sessionID := c.Param("id")
	s, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.logger.Error("session lookup failed", "session_id", sessionID, "error", err)
		h.fail(c, consts.StatusInternalServerError, "", "session lookup failed")
		return "", false
	}
	if s == nil {
		h.fail(c, consts.StatusNotFound, string(approval.CodeSessionNotFound), "session not found")
		return "", false
	}
	if role := auth.GetRole(ctx); role != auth.RoleAdmin && role != auth.RoleOperator && !s.OwnedBy(auth.GetUserID(ctx)) {
		h.fail(c, consts.StatusForbidden, string(approval.CodeUnauthorized), "session not accessible")
		return "", false
	}
	return sessionID, true
}

// ListPendingApprovals GET /api/sessions/:id/approvals
func (h *Handler) ListPendingApprovals(ctx context.Context, c *app.RequestContext) {
	sessionID, ok := h.ownSession(ctx, c)
	if !ok {
		return
	}
	list, err := h.approvals.GetPendingApprovals(ctx, sessionID)
	if err != nil {
		h.logger.Error("list pending approvals failed", "session_id", sessionID, "error", err)
		h.fail(c, consts.StatusInternalServerError, "", "list approvals failed")
		return
	}
	if list == nil {
		list = []approval.Request{}
	}
	c.JSON(consts.StatusOK, map[string]any{"approvals": list})
}

// ListEvents GET /api/sessions/:id/events?after=N，供断线重连的客户端补齐推送
func (h *Handler) ListEvents(ctx context.Context, c *app.RequestContext) {
	if h.events == nil {
		h.fail(c, consts.StatusServiceUnavailable, "", "event log not configured")
		return
	}
	sessionID, ok := h.ownSession(ctx, c)
	if !ok {
		return
	}
	var after int64
	if s := c.Query("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			h.fail(c, consts.StatusBadRequest, "", "after must be a non-negative integer")
			return
		}
		after = n
	}
	events, err := h.events.ListEvents(ctx, sessionID, after)
	if err != nil {
		h.logger.Error("list events failed", "session_id", sessionID, "error", err)
		h.fail(c, consts.StatusBadGateway, "", "event log unavailable")
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	c.JSON(consts.StatusOK, map[string]any{"events": events})
}

type messageRequest struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// EnqueueMessage POST /api/sessions/:id/messages，超出会话限额返回 429
func (h *Handler) EnqueueMessage(ctx context.Context, c *app.RequestContext) {
	sessionID, ok := h.ownSession(ctx, c)
	if !ok {
		return
	}
	var req messageRequest
	if err := c.BindJSON(&req); err != nil || req.Content == "" {
		h.fail(c, consts.StatusBadRequest, "", "content is required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	jobID, err := h.queues.AddJob(ctx, config.QueueMessagePersistence, jobqueue.MessagePersistencePayload{
		Session: sessionID, MessageID: req.MessageID, Role: req.Role, Content: req.Content, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *Handler) queueError(c *app.RequestContext, err error) {
	var rle *jobqueue.RateLimitError
	switch {
	case errors.As(err, &rle):
		h.fail(c, consts.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, jobqueue.ErrQueueNotFound):
		h.fail(c, consts.StatusNotFound, "", err.Error())
	case errors.Is(err, jobqueue.ErrInvalidPayload):
		h.fail(c, consts.StatusBadRequest, "", err.Error())
	case pkgerrors.IsUnavailable(err), errors.Is(err, jobqueue.ErrQueueClosed):
		h.fail(c, consts.StatusServiceUnavailable, "", err.Error())
	default:
		h.logger.Error("queue operation failed", "error", err)
		h.fail(c, consts.StatusInternalServerError, "", "queue operation failed")
	}
}

// RateLimitStatus GET /api/sessions/:id/rate-limit
func (h *Handler) RateLimitStatus(ctx context.Context, c *app.RequestContext) {
	sessionID, ok := h.ownSession(ctx, c)
	if !ok {
		return
	}
	c.JSON(consts.StatusOK, h.queues.GetRateLimitStatus(ctx, sessionID))
}

// QueueStats GET /api/queues/:name/stats
func (h *Handler) QueueStats(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	stats, err := h.queues.GetQueueStats(ctx, name)
	if err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"queue": name, "stats": stats})
}

// PauseQueue POST /api/queues/:name/pause
func (h *Handler) PauseQueue(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	if err := h.queues.PauseQueue(ctx, name); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"queue": name, "paused": true})
}

// ResumeQueue POST /api/queues/:name/resume
func (h *Handler) ResumeQueue(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	if err := h.queues.ResumeQueue(ctx, name); err != nil {
		h.queueError(c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"queue": name, "paused": false})
}
