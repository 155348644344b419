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

package toolevents

import (
	"context"

	"bizassist/internal/agent/tooltrack"
	"bizassist/internal/runtime/eventlog"
)

// EventLogSink 将一批孤儿记录作为单条 tool_orphaned 事件写入会话事件日志
type EventLogSink struct {
	log eventlog.EventLog
}

func NewEventLogSink(log eventlog.EventLog) *EventLogSink {
	return &EventLogSink{log: log}
}

// PersistToolEventsAsync 实现 tooltrack.Sink
func (s *EventLogSink) PersistToolEventsAsync(ctx context.Context, sessionID string, events []tooltrack.ToolEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.log.AppendEvent(ctx, sessionID, eventlog.ToolUseOrphaned, map[string]any{
		"count":  len(events),
		"events": events,
	})
	return err
}
