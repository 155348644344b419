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
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bizassist/internal/agent/tooltrack"
)

// PostgresSink 写入 tool_events 表；一批事件在单个事务内以 pgx.Batch 提交
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink pool 由调用方创建并关闭
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// PersistToolEventsAsync 实现 tooltrack.Sink
func (s *PostgresSink) PersistToolEventsAsync(ctx context.Context, sessionID string, events []tooltrack.ToolEvent) error {
	if len(events) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range events {
			result, err := json.Marshal(map[string]any{"output": e.Output, "success": e.Success})
			if err != nil {
				return err
			}
			batch.Queue(
				`INSERT INTO tool_events (session_id, tool_use_id, tool_name, state, args, result, error, requested_at, finalized_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
				sessionID, e.ToolUseID, e.ToolName, string(e.State), nullJSON(e.Args), result, e.Error, e.RequestedAt, e.FinalizedAt,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// ListBySession 实现 Lister
func (s *PostgresSink) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tool_use_id, tool_name, state, args, result, COALESCE(error, ''), requested_at, finalized_at
		 FROM tool_events WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r := Record{SessionID: sessionID}
		var state string
		var args, result []byte
		if err := rows.Scan(&r.ToolUseID, &r.ToolName, &state, &args, &result, &r.Error, &r.RequestedAt, &r.FinalizedAt); err != nil {
			return nil, err
		}
		r.State = tooltrack.State(state)
		if len(args) > 0 {
			r.Args = append(json.RawMessage(nil), args...)
		}
		var res struct {
			Output  string `json:"output"`
			Success bool   `json:"success"`
		}
		if len(result) > 0 {
			_ = json.Unmarshal(result, &res)
		}
		r.Output, r.Success = res.Output, res.Success
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
