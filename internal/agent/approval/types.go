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

// Package approval 敏感工具调用的人工审批协议：发起、响应、超时，并保证每个审批只有一次终态写入
package approval

import (
	"errors"
	"strings"
	"time"
)

// Status 审批状态；离开 pending 后不可再变
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Decision 人工决定
type Decision string

const (
	Approve Decision = "approved"
	Reject  Decision = "rejected"
)

// ParseDecision 接受 approve/approved/reject/rejected
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return Approve, nil
	case "reject", "rejected":
		return Reject, nil
	}
	return "", ErrInvalidDecision
}

// Status 决定对应的终态
func (d Decision) Status() Status {
	if d == Approve {
		return StatusApproved
	}
	return StatusRejected
}

// Priority 审批优先级，仅用于展示排序
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ErrorCode 原子响应路径的校验结果
type ErrorCode string

const (
	CodeApprovalNotFound ErrorCode = "APPROVAL_NOT_FOUND"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeAlreadyResolved  ErrorCode = "ALREADY_RESOLVED"
	CodeExpired          ErrorCode = "EXPIRED"
	CodeNoPendingPromise ErrorCode = "NO_PENDING_PROMISE"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrAlreadyResolved = errors.New("approval already resolved")
	ErrInvalidDecision = errors.New("invalid approval decision")
	ErrInvalidRequest  = errors.New("invalid approval request")
)

// Request 持久化的审批记录；创建后仅有一次终态写入，永不删除
type Request struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	ToolName  string     `json:"toolName"`
	ToolArgs  ToolArgs   `json:"toolArgs"`
	Status    Status     `json:"status"`
	Priority  Priority   `json:"priority"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`
	DecidedBy string     `json:"decidedBy,omitempty"`
}

// Record 审批与其会话的联合读取结果；SessionFound=false 表示会话已被删除
type Record struct {
	Request
	SessionFound  bool
	SessionUserID string
}

// AtomicResult RespondToApprovalAtomic 的结果；Success=false 时 Error 给出原因
type AtomicResult struct {
	Success        bool      `json:"success"`
	Error          ErrorCode `json:"error,omitempty"`
	PreviousStatus Status    `json:"previousStatus,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	SessionUserID  string    `json:"sessionUserId,omitempty"`
}

// OwnershipResult ValidateApprovalOwnership 的结果
type OwnershipResult struct {
	IsOwner       bool      `json:"isOwner"`
	Approval      *Request  `json:"approval,omitempty"`
	SessionUserID string    `json:"sessionUserId,omitempty"`
	Error         ErrorCode `json:"error,omitempty"`
}

// Expired 批量过期清扫命中的审批
type Expired struct {
	ID        string
	SessionID string
}
