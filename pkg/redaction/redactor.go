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

package redaction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Redacted ModeRedact 的替换值
const Redacted = "***REDACTED***"

// Redactor 对事件 JSON 按规则脱敏
type Redactor struct {
	policy *Policy
}

// NewRedactor policy 为 nil 时 Redact 原样返回
func NewRedactor(policy *Policy) *Redactor {
	return &Redactor{policy: policy}
}

// Enabled 是否有生效规则
func (r *Redactor) Enabled() bool {
	return r != nil && r.policy != nil
}

// Redact 返回脱敏后的 JSON；非对象 JSON 原样返回，解析失败返回错误
func (r *Redactor) Redact(eventType string, data []byte) ([]byte, error) {
	if !r.Enabled() || len(data) == 0 {
		return data, nil
	}
	rules := r.policy.rules(eventType)
	if len(rules) == 0 {
		return data, nil
	}
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("redact %s: %w", eventType, err)
	}
	if _, ok := obj.(map[string]any); !ok {
		return data, nil
	}
	for _, rule := range rules {
		apply(obj, strings.Split(rule.Path, "."), rule)
	}
	return json.Marshal(obj)
}

func apply(node any, path []string, rule FieldMask) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			apply(item, path, rule)
		}
	case map[string]any:
		key := path[0]
		if len(path) == 1 {
			if key == "*" {
				for k := range v {
					mask(v, k, rule)
				}
				return
			}
			mask(v, key, rule)
			return
		}
		if key == "*" {
			for _, child := range v {
				apply(child, path[1:], rule)
			}
			return
		}
		if child, ok := v[key]; ok {
			apply(child, path[1:], rule)
		}
	}
}

func mask(obj map[string]any, key string, rule FieldMask) {
	value, ok := obj[key]
	if !ok {
		return
	}
	switch rule.Mode {
	case ModeHash:
		h := sha256.New()
		h.Write([]byte(fmt.Sprint(value)))
		h.Write([]byte(rule.Salt))
		obj[key] = "hash:" + hex.EncodeToString(h.Sum(nil))
	case ModeRemove:
		delete(obj, key)
	default:
		obj[key] = Redacted
	}
}
