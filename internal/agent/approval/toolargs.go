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
	"bytes"
	"encoding/json"
	"fmt"
)

// ToolArgs 工具参数：合法 JSON 对象，或解析失败的占位（序列化为 {"_parseError": "..."}）
type ToolArgs struct {
	raw        json.RawMessage
	parseError string
}

type malformedArgs struct {
	ParseError string `json:"_parseError"`
	Raw        string `json:"_raw,omitempty"`
}

// NewToolArgs 由任意值编码
func NewToolArgs(v any) (ToolArgs, error) {
	if v == nil {
		return ToolArgs{raw: json.RawMessage(`{}`)}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ToolArgs{}, err
	}
	return ParseToolArgs(string(b)), nil
}

// ParseToolArgs 从存储文本解析；非法 JSON 或非对象时返回解析失败的占位，不报错
func ParseToolArgs(s string) ToolArgs {
	if s == "" {
		return ToolArgs{raw: json.RawMessage(`{}`)}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return ToolArgs{raw: json.RawMessage(s), parseError: err.Error()}
	}
	if obj == nil {
		return ToolArgs{raw: json.RawMessage(s), parseError: "tool args must be a JSON object"}
	}
	return ToolArgs{raw: json.RawMessage(s)}
}

// Malformed 是否为解析失败的占位
func (a ToolArgs) Malformed() bool { return a.parseError != "" }

// ParseError 解析失败原因
func (a ToolArgs) ParseError() string { return a.parseError }

// Raw 原始文本，写回存储用
func (a ToolArgs) Raw() string {
	if len(a.raw) == 0 {
		return "{}"
	}
	return string(a.raw)
}

// Map 解码为 map；占位返回 {"_parseError": ...}
func (a ToolArgs) Map() map[string]any {
	b, _ := a.MarshalJSON()
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func (a ToolArgs) MarshalJSON() ([]byte, error) {
	if a.parseError != "" {
		return json.Marshal(malformedArgs{ParseError: a.parseError, Raw: string(a.raw)})
	}
	if len(a.raw) == 0 {
		return []byte(`{}`), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, a.raw); err != nil {
		return nil, fmt.Errorf("tool args: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *ToolArgs) UnmarshalJSON(b []byte) error {
	var probe malformedArgs
	if json.Unmarshal(b, &probe) == nil && probe.ParseError != "" {
		*a = ToolArgs{raw: json.RawMessage(probe.Raw), parseError: probe.ParseError}
		return nil
	}
	*a = ParseToolArgs(string(b))
	return nil
}
