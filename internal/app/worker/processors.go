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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	einoembed "github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"

	"bizassist/internal/agent/approval"
	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/agent/tooltrack"
	"bizassist/internal/runtime/eventlog"
	"bizassist/internal/runtime/realtime"
	"bizassist/pkg/config"
	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
)

// EventEmbeddingsStored 文档分片向量写入完成
const EventEmbeddingsStored eventlog.EventType = "embeddings_stored"

// Processors 各队列的默认处理器；字段为 nil 的队列不注册处理器
type Processors struct {
	Messages  MessageStore
	Vectors   VectorStore
	Embedder  einoembed.Embedder
	Gateway   ToolGateway
	EventLog  eventlog.EventLog
	Publisher realtime.Publisher
	Approvals *approval.Coordinator
	Tracker   *tooltrack.Tracker
	Dedup     *tooltrack.Deduplicator
	ToolSink  tooltrack.Sink
	Logger    *log.Logger
}

// Register 按队列名注册处理器
func (p *Processors) Register(m *jobqueue.Manager) error {
	if p.Logger == nil {
		p.Logger = log.Nop()
	}
	if p.Publisher == nil {
		p.Publisher = realtime.Nop
	}
	regs := map[string]jobqueue.Processor{}
	if p.Messages != nil {
		regs[config.QueueMessagePersistence] = jobqueue.ProcessorFunc(p.persistMessage)
	}
	if p.Gateway != nil && p.Tracker != nil {
		regs[config.QueueToolExecution] = jobqueue.ProcessorFunc(p.executeTool)
	}
	if p.Embedder != nil && p.Vectors != nil {
		regs[config.QueueEmbedding] = jobqueue.ProcessorFunc(p.generateEmbeddings)
	}
	if p.EventLog != nil {
		regs[config.QueueEventProcessing] = jobqueue.ProcessorFunc(p.processEvent)
	}
	for _, name := range m.QueueNames() {
		proc, ok := regs[name]
		if !ok {
			p.Logger.Info("队列未配置处理器", "queue", name)
			continue
		}
		if err := m.RegisterProcessor(name, proc); err != nil {
			return err
		}
	}
	return nil
}

func decodeAs[T jobqueue.Payload](job *jobqueue.Job) (T, error) {
	var zero T
	p, err := job.Decode()
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%w: job %s has kind %s", jobqueue.ErrInvalidPayload, job.ID, job.Kind)
	}
	return v, nil
}

func (p *Processors) persistMessage(ctx context.Context, job *jobqueue.Job) error {
	pl, err := decodeAs[jobqueue.MessagePersistencePayload](job)
	if err != nil {
		return err
	}
	msg := Message{ID: pl.MessageID, SessionID: pl.Session, Role: pl.Role, Content: pl.Content, CreatedAt: pl.CreatedAt}
	if msg.ID == "" {
		// 以任务 ID 兜底，保证重试写入同一行
		msg.ID = job.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = job.EnqueuedAt
	}
	if err := p.Messages.SaveMessage(ctx, msg); err != nil {
		return err
	}
	if p.EventLog != nil {
		p.emit(ctx, pl.Session, eventlog.MessagePersisted, "", map[string]any{"messageId": msg.ID, "role": msg.Role})
	}
	return nil
}

func (p *Processors) executeTool(ctx context.Context, job *jobqueue.Job) error {
	pl, err := decodeAs[jobqueue.ToolExecutionPayload](job)
	if err != nil {
		return err
	}
	logger := p.Logger.With("session_id", pl.Session, "tool_use_id", pl.ToolUseID, "tool", pl.ToolName)

	// 重试时不重复推送 tool_use
	if p.Dedup == nil || !p.Dedup.CheckAndMark(pl.ToolUseID).IsDuplicate {
		p.emit(ctx, pl.Session, eventlog.ToolUseRequested, pl.ToolUseID, map[string]any{
			"toolUseId": pl.ToolUseID, "toolName": pl.ToolName, "args": pl.Args,
		})
	}
	p.Tracker.OnToolRequested(pl.Session, pl.ToolUseID, pl.ToolName, pl.Args)

	result, invokeErr := p.invoke(ctx, pl, logger)
	if invokeErr != nil {
		if !job.FinalAttempt() {
			// 仍会重试：调用保持 pending，重试时 OnToolRequested 为空操作
			return invokeErr
		}
		logger.Error("工具调用重试耗尽", "attempts", job.Attempts, "error", invokeErr)
		result = ToolResult{Success: false, Error: invokeErr.Error()}
	}
	p.Tracker.OnToolCompleted(pl.Session, pl.ToolUseID, result.Output, result.Success, result.Error)
	p.emit(ctx, pl.Session, eventlog.ToolUseCompleted, pl.ToolUseID, map[string]any{
		"toolUseId": pl.ToolUseID, "toolName": pl.ToolName,
		"output": result.Output, "success": result.Success, "error": result.Error,
	})

	if pl.FinalizeSession && p.ToolSink != nil {
		if err := p.Tracker.FinalizeAndPersistOrphans(ctx, pl.Session, p.ToolSink); err != nil {
			logger.Error("孤儿工具调用落库失败", "error", err)
		}
	}
	return invokeErr
}

var errApprovalDenied = errors.New("approval denied or expired")

func (p *Processors) invoke(ctx context.Context, pl jobqueue.ToolExecutionPayload, logger *log.Logger) (ToolResult, error) {
	if pl.RequireApproval {
		if p.Approvals == nil {
			return ToolResult{Success: false, Error: "approval required but no coordinator configured"}, nil
		}
		args := approval.ParseToolArgs(string(pl.Args))
		approved, err := p.Approvals.RequestAndWait(ctx, approval.RequestInput{
			SessionID: pl.Session,
			ToolName:  pl.ToolName,
			ToolArgs:  args,
		})
		if err != nil {
			return ToolResult{}, fmt.Errorf("request approval: %w", err)
		}
		if !approved {
			logger.Info("工具调用未获批准")
			return ToolResult{Success: false, Error: errApprovalDenied.Error()}, nil
		}
	}
	return p.Gateway.Invoke(ctx, ToolCall{SessionID: pl.Session, ToolUseID: pl.ToolUseID, ToolName: pl.ToolName, Args: pl.Args})
}

func (p *Processors) generateEmbeddings(ctx context.Context, job *jobqueue.Job) error {
	pl, err := decodeAs[jobqueue.EmbeddingPayload](job)
	if err != nil {
		return err
	}
	if len(pl.Chunks) == 0 {
		return nil
	}
	vectors, err := p.Embedder.EmbedStrings(ctx, pl.Chunks)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", pl.DocumentID, err)
	}
	if len(vectors) != len(pl.Chunks) {
		return fmt.Errorf("embed document %s: got %d vectors for %d chunks", pl.DocumentID, len(vectors), len(pl.Chunks))
	}
	model := ""
	if m, ok := p.Embedder.(interface{ Model() string }); ok {
		model = m.Model()
	}
	chunks := make([]Chunk, len(pl.Chunks))
	for i, text := range pl.Chunks {
		chunks[i] = Chunk{DocumentID: pl.DocumentID, Index: i, SessionID: pl.Session, Content: text, Vector: vectors[i], Model: model}
	}
	if err := p.Vectors.UpsertChunks(ctx, chunks); err != nil {
		return err
	}
	if p.EventLog != nil {
		p.emit(ctx, pl.Session, EventEmbeddingsStored, "", map[string]any{"documentId": pl.DocumentID, "chunks": len(chunks)})
	}
	return nil
}

// processEvent 事件日志写入失败返回 error，由队列重试；推送仍尽力而为
func (p *Processors) processEvent(ctx context.Context, job *jobqueue.Job) error {
	pl, err := decodeAs[jobqueue.EventProcessingPayload](job)
	if err != nil {
		return err
	}
	if pl.EventType == "" {
		return fmt.Errorf("%w: event type is required", jobqueue.ErrInvalidPayload)
	}
	var data any = map[string]any{}
	if len(pl.Data) > 0 {
		data = pl.Data
	}
	appended, err := p.EventLog.AppendEvent(ctx, pl.Session, eventlog.EventType(pl.EventType), data)
	if err != nil {
		return fmt.Errorf("append %s event: %w", pl.EventType, err)
	}
	ev := realtime.Event{
		Type:             pl.EventType,
		Data:             pl.Data,
		EventID:          appended.ID,
		SequenceNumber:   realtime.Seq(appended.SequenceNumber),
		PersistenceState: realtime.PersistencePersisted,
	}
	if err := p.Publisher.Publish(ctx, pl.Session, ev); err != nil {
		p.Logger.Warn("realtime publish failed", "session_id", pl.Session, "event_type", pl.EventType, "error", err)
	}
	return nil
}

// emit 追加事件并推送；事件日志失败时降级推送
func (p *Processors) emit(ctx context.Context, sessionID string, eventType eventlog.EventType, toolUseID string, data map[string]any) {
	ctx = context.WithoutCancel(ctx)
	payload, err := json.Marshal(data)
	if err != nil {
		p.Logger.Error("encode event", "event_type", eventType, "error", err)
		return
	}
	ev := realtime.Event{Type: string(eventType), ToolUseID: toolUseID, Data: payload}
	if p.EventLog == nil {
		err = errors.New("no event log configured")
	} else {
		var appended eventlog.Appended
		if appended, err = p.EventLog.AppendEvent(ctx, sessionID, eventType, json.RawMessage(payload)); err == nil {
			ev.EventID = appended.ID
			ev.SequenceNumber = realtime.Seq(appended.SequenceNumber)
			ev.PersistenceState = realtime.PersistencePersisted
		}
	}
	if err != nil {
		metrics.EventLogDegradedTotal.WithLabelValues(string(eventType)).Inc()
		p.Logger.Warn("event log append failed, continuing degraded", "event_type", eventType, "session_id", sessionID, "error", err)
		ev.EventID = "fallback-" + uuid.New().String()
		ev.PersistenceState = realtime.PersistenceFailed
	}
	if err := p.Publisher.Publish(ctx, sessionID, ev); err != nil {
		p.Logger.Warn("realtime publish failed", "event_type", eventType, "session_id", sessionID, "error", err)
	}
}
