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

package eventlog

import (
	"context"
	"encoding/json"

	"bizassist/pkg/redaction"
)

// redactingLog 落库前按事件类型脱敏；ListEvents 返回的即脱敏后的内容
type redactingLog struct {
	inner    EventLog
	redactor *redaction.Redactor
}

// WithRedaction 包装 EventLog；redactor 无生效规则时返回 inner 本身
func WithRedaction(inner EventLog, redactor *redaction.Redactor) EventLog {
	if !redactor.Enabled() {
		return inner
	}
	return &redactingLog{inner: inner, redactor: redactor}
}

func (r *redactingLog) AppendEvent(ctx context.Context, sessionID string, eventType EventType, data any) (Appended, error) {
	raw, err := encodeData(data)
	if err != nil {
		return Appended{}, err
	}
	redacted, err := r.redactor.Redact(string(eventType), raw)
	if err != nil {
		return Appended{}, err
	}
	return r.inner.AppendEvent(ctx, sessionID, eventType, json.RawMessage(redacted))
}

func (r *redactingLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	return r.inner.ListEvents(ctx, sessionID, afterSeq)
}
