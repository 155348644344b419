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

// Mode 脱敏方式
type Mode string

const (
	ModeRedact Mode = "redact" // 替换为 "***REDACTED***"
	ModeHash   Mode = "hash"   // 替换为 SHA256 hash，可用于关联同值
	ModeRemove Mode = "remove" // 移除字段
)

// FieldMask 单条字段规则；Path 以 "." 分隔，"*" 匹配任意键，数组会逐元素下钻
type FieldMask struct {
	Path string `mapstructure:"path"`
	Mode Mode   `mapstructure:"mode"`
	Salt string `mapstructure:"salt"`
}

// EventPolicy 某个事件类型的规则
type EventPolicy struct {
	EventType string      `mapstructure:"event_type"`
	Fields    []FieldMask `mapstructure:"fields"`
}

// Config 事件日志落库前的脱敏配置
type Config struct {
	Enable bool          `mapstructure:"enable"`
	Global []FieldMask   `mapstructure:"global"`
	Events []EventPolicy `mapstructure:"events"`
}

// Policy 按事件类型索引后的规则
type Policy struct {
	EventRules  map[string][]FieldMask
	GlobalRules []FieldMask
}

// NewPolicy 未启用或没有任何规则时返回 nil
func NewPolicy(cfg Config) *Policy {
	if !cfg.Enable {
		return nil
	}
	p := &Policy{EventRules: make(map[string][]FieldMask), GlobalRules: cfg.Global}
	for _, ev := range cfg.Events {
		p.EventRules[ev.EventType] = append(p.EventRules[ev.EventType], ev.Fields...)
	}
	if len(p.GlobalRules) == 0 && len(p.EventRules) == 0 {
		return nil
	}
	return p
}

func (p *Policy) rules(eventType string) []FieldMask {
	out := make([]FieldMask, 0, len(p.EventRules[eventType])+len(p.GlobalRules))
	out = append(out, p.EventRules[eventType]...)
	return append(out, p.GlobalRules...)
}
