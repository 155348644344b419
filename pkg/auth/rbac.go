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

package auth

// Permission 权限
type Permission string

const (
	PermissionApprovalView    Permission = "approval:view"
	PermissionApprovalRespond Permission = "approval:respond"
	PermissionQueueView       Permission = "queue:view"
	PermissionQueueManage     Permission = "queue:manage" // 暂停/恢复队列
	PermissionRateLimitView   Permission = "ratelimit:view"
)

// Role 角色
type Role string

const (
	RoleAdmin    Role = "admin"    // 全部权限
	RoleOperator Role = "operator" // 队列运维 + 只读
	RoleUser     Role = "user"     // 应答自己会话的审批
)

// RolePermissions 角色与权限映射
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionApprovalView,
		PermissionApprovalRespond,
		PermissionQueueView,
		PermissionQueueManage,
		PermissionRateLimitView,
	},
	RoleOperator: {
		PermissionApprovalView,
		PermissionQueueView,
		PermissionQueueManage,
		PermissionRateLimitView,
	},
	RoleUser: {
		PermissionApprovalView,
		PermissionApprovalRespond,
		PermissionRateLimitView,
	},
}

// ParseRole 未知或空值按 RoleUser 处理
func ParseRole(s string) Role {
	switch r := Role(s); r {
	case RoleAdmin, RoleOperator, RoleUser:
		return r
	}
	return RoleUser
}

// HasPermission 检查角色是否包含指定权限
func HasPermission(role Role, permission Permission) bool {
	permissions, ok := RolePermissions[role]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}
