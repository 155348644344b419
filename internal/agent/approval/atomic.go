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
	"errors"
	"fmt"

	"bizassist/internal/runtime/eventlog"
	"bizassist/pkg/metrics"
	"bizassist/pkg/tracing"
)

// errRollback 校验失败时中止事务，结果已写入 AtomicResult
var errRollback = errors.New("approval validation failed")

// RespondToApprovalAtomic 事务内按序校验：审批存在、会话存在、userID 为会话所有者、状态仍为 pending、
// 本进程持有等待项；全部通过后写入终态并提交。提交后才唤醒等待方并追加事件。
// 校验失败返回带 Error 码的结果且不做任何修改；写入或提交失败回滚并返回 error。
// 同一审批的并发调用恰有一个成功，其余得到 NO_PENDING_PROMISE
func (c *Coordinator) RespondToApprovalAtomic(ctx context.Context, approvalID string, decision Decision, userID string) (res AtomicResult, err error) {
	ctx, span := tracing.StartApprovalSpan(ctx, "respond_atomic", approvalID)
	defer func() { tracing.EndSpan(span, err) }()

	var claimed *pendingEntry
	txErr := c.store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.Load(ctx, approvalID)
		if err != nil {
			return err
		}
		if rec == nil {
			res = AtomicResult{Error: CodeApprovalNotFound}
			return errRollback
		}
		res.SessionID = rec.SessionID
		if !rec.SessionFound {
			res.Error = CodeSessionNotFound
			return errRollback
		}
		res.SessionUserID = rec.SessionUserID
		if rec.SessionUserID != userID {
			res.Error = CodeUnauthorized
			return errRollback
		}
		switch rec.Status {
		case StatusApproved, StatusRejected:
			res.Error, res.PreviousStatus = CodeAlreadyResolved, rec.Status
			return errRollback
		case StatusExpired:
			res.Error, res.PreviousStatus = CodeExpired, rec.Status
			return errRollback
		}
		if !c.now().Before(rec.ExpiresAt) {
			res.Error, res.PreviousStatus = CodeExpired, rec.Status
			return errRollback
		}
		claimed = c.pending.claim(approvalID)
		if claimed == nil {
			res.Error = CodeNoPendingPromise
			return errRollback
		}
		updated, err := tx.Resolve(ctx, approvalID, decision.Status(), userID, c.now())
		if err != nil {
			return err
		}
		if !updated {
			res.Error, res.PreviousStatus = CodeAlreadyResolved, StatusPending
			return errRollback
		}
		return nil
	})

	if txErr != nil {
		if claimed != nil {
			c.restore(claimed)
		}
		if errors.Is(txErr, errRollback) {
			c.logger.Info("approval response rejected", "approval_id", approvalID, "user_id", userID, "code", res.Error)
			return res, nil
		}
		c.logger.Error("approval transaction failed", "approval_id", approvalID, "error", txErr)
		return AtomicResult{}, fmt.Errorf("respond to approval %s: %w", approvalID, txErr)
	}

	res.Success = true
	metrics.ApprovalResolvedTotal.WithLabelValues(string(decision.Status())).Inc()
	c.logger.Info("approval resolved", "approval_id", approvalID, "decision", decision, "user_id", userID)
	claimed.resolve(decision == Approve)
	c.emit(ctx, res.SessionID, eventlog.ApprovalResolved, approvalID, map[string]any{
		"approvalId": approvalID,
		"decision":   decision,
		"decidedBy":  userID,
	})
	return res, nil
}

// restore 放回等待项；若期间已过期限，立即走超时路径
func (c *Coordinator) restore(e *pendingEntry) {
	c.pending.restore(e)
	if !c.now().Before(e.expiresAt) {
		go c.expire(e.id)
	}
}

// ValidateApprovalOwnership 只读版本的归属校验，供 API 在修改前调用；ToolArgs 解析失败时以占位返回
func (c *Coordinator) ValidateApprovalOwnership(ctx context.Context, approvalID, userID string) (OwnershipResult, error) {
	rec, err := c.store.Get(ctx, approvalID)
	if err != nil {
		return OwnershipResult{}, fmt.Errorf("load approval %s: %w", approvalID, err)
	}
	if rec == nil {
		return OwnershipResult{Error: CodeApprovalNotFound}, nil
	}
	approval := rec.Request
	if !rec.SessionFound {
		return OwnershipResult{Approval: &approval, Error: CodeSessionNotFound}, nil
	}
	out := OwnershipResult{Approval: &approval, SessionUserID: rec.SessionUserID}
	if rec.SessionUserID != userID {
		out.Error = CodeUnauthorized
		return out, nil
	}
	out.IsOwner = true
	return out, nil
}
