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
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// 并发追加同一会话时序号冲突的重试次数
const maxAppendRetries = 5

// pgLog PostgreSQL 实现，需先执行 schema 中的 session_events 表（UNIQUE(session_id, sequence_number)）
type pgLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog 创建基于 PostgreSQL 的事件日志；pool 由调用方创建与关闭
func NewPostgresLog(pool *pgxpool.Pool) EventLog {
	return &pgLog{pool: pool}
}

// AppendEvent 以 MAX(sequence_number)+1 分配序号；唯一约束冲突时重试
func (p *pgLog) AppendEvent(ctx context.Context, sessionID string, eventType EventType, data any) (Appended, error) {
	if sessionID == "" {
		return Appended{}, ErrInvalidSession
	}
	payload, err := encodeData(data)
	if err != nil {
		return Appended{}, err
	}
	id := "ev-" + uuid.New().String()
	var lastErr error
	for i := 0; i < maxAppendRetries; i++ {
		seq, err := p.appendOnce(ctx, id, sessionID, eventType, payload)
		if err == nil {
			return Appended{ID: id, SequenceNumber: seq}, nil
		}
		if !isUniqueViolation(err) {
			return Appended{}, err
		}
		lastErr = err
	}
	return Appended{}, lastErr
}

// appendOnce 在事务内先取会话级 advisory 锁，再以 MAX+1 插入
func (p *pgLog) appendOnce(ctx context.Context, id, sessionID string, eventType EventType, payload []byte) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO session_events (id, session_id, sequence_number, event_type, data, persisted_at)
		 SELECT $1, $2, COALESCE(MAX(sequence_number), 0) + 1, $3, $4, $5
		 FROM session_events WHERE session_id = $2
		 RETURNING sequence_number`,
		id, sessionID, string(eventType), payload, time.Now(),
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *pgLog) ListEvents(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, session_id, sequence_number, event_type, data, persisted_at
		 FROM session_events WHERE session_id = $1 AND sequence_number > $2 ORDER BY sequence_number`,
		sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var typeStr string
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SequenceNumber, &typeStr, &data, &e.PersistedAt); err != nil {
			return nil, err
		}
		e.EventType = EventType(typeStr)
		if len(data) > 0 {
			e.Data = append([]byte(nil), data...)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
