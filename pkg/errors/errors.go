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

// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrUnavailable = errors.New("dependency unavailable")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Unavailable 将基础设施类错误（存储/broker 不可达）标记为 ErrUnavailable，调用方据此走降级路径
func Unavailable(err error, component string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", component, ErrUnavailable, err)
}

// IsUnavailable 判断是否为基础设施不可用错误
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Join 聚合多个错误，nil 会被忽略；全部为 nil 时返回 nil
func Join(errs ...error) error {
	return errors.Join(errs...)
}
