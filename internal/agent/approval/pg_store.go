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
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectRecord = `SELECT a.id, a.session_id, a.tool_name, a.tool_args, a.status, a.priority,
	a.created_at, a.expires_at, a.decided_at, COALESCE(a.decided_by, ''),
	s.id IS NOT NULL, COALESCE(s.user_id, '')
	FROM approvals a LEFT JOIN sessions s ON s.id = a.session_id
	WHERE a.id = $1`

const resolvePending = `UPDATE approvals SET status = $2, decided_by = NULLIF($3, ''), decided_at = $4
	WHERE id = $1 AND status = 'pending'`

// PostgresStore 基于 approvals 表，LEFT JOIN sessions 取得所有者；需先执行 schema
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore pool 由调用方创建并关闭
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	if r == nil || r.ID == "" {
		return ErrInvalidRequest
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO approvals (id, session_id, tool_name, tool_args, status, priority, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.SessionID, r.ToolName, r.ToolArgs.Raw(), string(r.Status), string(r.Priority), r.CreatedAt, r.ExpiresAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return loadRecord(ctx, p.pool, id)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, resolvePending, id, string(status), decidedBy, decidedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ListPending(ctx context.Context, sessionID string) ([]Request, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, session_id, tool_name, tool_args, status, priority, created_at, expires_at, decided_at, COALESCE(decided_by, '')
		 FROM approvals WHERE session_id = $1 AND status = 'pending' ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var r Request
		var args, status, priority string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ToolName, &args, &status, &priority,
			&r.CreatedAt, &r.ExpiresAt, &r.DecidedAt, &r.DecidedBy); err != nil {
			return nil, err
		}
		r.ToolArgs = ParseToolArgs(args)
		r.Status, r.Priority = Status(status), Priority(priority)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) ([]Expired, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE approvals SET status = 'expired', decided_at = $1
		 WHERE status = 'pending' AND expires_at < $1
		 RETURNING id, session_id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Expired
	for rows.Next() {
		var e Expired
		if err := rows.Scan(&e.ID, &e.SessionID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithTx 读取不加行锁：并发响应方都能看到 pending，由进程内等待项的认领决出唯一胜者，
// UPDATE 的 status 守卫兜底跨进程竞争
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) Load(ctx context.Context, id string) (*Record, error) {
	return loadRecord(ctx, t.tx, id)
}

func (t pgTx) Resolve(ctx context.Context, id string, status Status, decidedBy string, decidedAt time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, resolvePending, id, string(status), decidedBy, decidedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadRecord(ctx context.Context, q queryRower, id string) (*Record, error) {
	var rec Record
	var args, status, priority string
	err := q.QueryRow(ctx, selectRecord, id).Scan(
		&rec.ID, &rec.SessionID, &rec.ToolName, &args, &status, &priority,
		&rec.CreatedAt, &rec.ExpiresAt, &rec.DecidedAt, &rec.DecidedBy,
		&rec.SessionFound, &rec.SessionUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ToolArgs = ParseToolArgs(args)
	rec.Status, rec.Priority = Status(status), Priority(priority)
	return &rec, nil
}
