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

package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/agent/toolevents"
	"bizassist/internal/runtime/realtime"
	"bizassist/pkg/config"
	"bizassist/pkg/redaction"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Queues.Backend = "memory"
	cfg.Queues.SettleDelay = "1ms"
	cfg.Log.Level = "error"
	return cfg
}

func TestNewBootstrap_MemoryStack(t *testing.T) {
	ctx := context.Background()
	b, err := NewBootstrap(ctx, memoryConfig())
	require.NoError(t, err)

	assert.Nil(t, b.Pool)
	assert.Nil(t, b.Redis)
	assert.IsType(t, &realtime.Hub{}, b.Publisher)
	assert.IsType(t, &toolevents.EventLogSink{}, b.ToolSink)
	assert.ElementsMatch(t, []string{
		config.QueueMessagePersistence, config.QueueToolExecution,
		config.QueueEventProcessing, config.QueueEmbedding,
	}, b.Queues.QueueNames())

	id, err := b.Queues.AddJob(ctx, config.QueueEventProcessing, jobqueue.EventProcessingPayload{Session: "s1", EventType: "note"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	b.Tracker.OnToolRequested("s1", "tu-1", "erp.lookup", nil)
	b.Dedup.CheckAndMark("tu-1")
	b.Reset()
	assert.False(t, b.Tracker.HasPendingTool("tu-1"))
	assert.False(t, b.Dedup.HasSeen("tu-1"))

	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))
}

func TestNewBootstrap_RejectsBadEventLog(t *testing.T) {
	cfg := memoryConfig()
	cfg.EventLog.Type = "postgres"
	_, err := NewBootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn")

	cfg = memoryConfig()
	cfg.EventLog.Type = "kafka"
	_, err = NewBootstrap(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewBootstrap_RedactsEventLog(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.EventLog.Redaction = redaction.Config{
		Enable: true,
		Global: []redaction.FieldMask{{Path: "secret", Mode: redaction.ModeRemove}},
	}
	b, err := NewBootstrap(ctx, cfg)
	require.NoError(t, err)
	defer b.Close(ctx)

	_, err = b.EventLog.AppendEvent(ctx, "s1", "note", map[string]any{"secret": "x", "keep": 1})
	require.NoError(t, err)
	events, err := b.EventLog.ListEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"keep":1}`, string(events[0].Data))
}
