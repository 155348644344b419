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
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message 一条已落库的对话消息
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// MessageStore 消息持久化；同一 ID 重复写入视为成功，任务重试不会产生重复行
type MessageStore interface {
	SaveMessage(ctx context.Context, m Message) error
}

// Chunk 一个文档分片的向量
type Chunk struct {
	DocumentID string
	Index      int
	SessionID  string
	Content    string
	Vector     []float64
	Model      string
}

// VectorStore 分片向量持久化；按 (DocumentID, Index) 覆盖写入
type VectorStore interface {
	UpsertChunks(ctx context.Context, chunks []Chunk) error
}

// PostgresMessageStore messages 表
type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageStore(pool *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{pool: pool}
}

func (s *PostgresMessageStore) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// PostgresVectorStore embeddings 表，一个任务的分片在同一事务内写入
type PostgresVectorStore struct {
	pool *pgxpool.Pool
}

func NewPostgresVectorStore(pool *pgxpool.Pool) *PostgresVectorStore {
	return &PostgresVectorStore{pool: pool}
}

func (s *PostgresVectorStore) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(`
				INSERT INTO embeddings (document_id, chunk_index, session_id, content, vector, model)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (document_id, chunk_index)
				DO UPDATE SET content = EXCLUDED.content, vector = EXCLUDED.vector, model = EXCLUDED.model, created_at = now()`,
				c.DocumentID, c.Index, c.SessionID, c.Content, c.Vector, c.Model)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// MemoryMessageStore 单进程与测试用
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string]Message
	order    []string
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{messages: make(map[string]Message)}
}

func (s *MemoryMessageStore) SaveMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return nil
}

// Messages 按写入顺序返回某会话的消息
func (s *MemoryMessageStore) Messages(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, id := range s.order {
		if m := s.messages[id]; m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

// MemoryVectorStore 单进程与测试用
type MemoryVectorStore struct {
	mu     sync.Mutex
	chunks map[string]Chunk
}

func NewMemoryVectorStore() *MemoryVectorStore {
	return &MemoryVectorStore{chunks: make(map[string]Chunk)}
}

func (s *MemoryVectorStore) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[fmt.Sprintf("%s#%d", c.DocumentID, c.Index)] = c
	}
	return nil
}

// Chunk 按文档与下标读取
func (s *MemoryVectorStore) Chunk(documentID string, index int) (Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[fmt.Sprintf("%s#%d", documentID, index)]
	return c, ok
}
