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

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "bizassist/pkg/errors"
)

func testConfig() Config {
	return Config{
		SettleDelay:  time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		RateLimit:    RateLimit{Limit: 100, Window: time.Hour, FailOpen: true},
		Queues: []QueueConfig{
			{Name: "message-persistence", Concurrency: 2, Attempts: 3, Backoff: 10 * time.Millisecond},
			{Name: "tool-execution", Concurrency: 1, Attempts: 1},
		},
	}
}

func newTestManager(t *testing.T, deps Deps) *Manager {
	t.Helper()
	if deps.Broker == nil {
		deps.Broker = NewMemoryBroker()
	}
	m, err := NewManager(context.Background(), deps, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func msg(session string) MessagePersistencePayload {
	return MessagePersistencePayload{Session: session, MessageID: "m", Role: "user", Content: "hi"}
}

func TestAddJob_RateLimitAfterHundred(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	m := newTestManager(t, Deps{Broker: broker})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.AddJob(ctx, "message-persistence", msg("sess-42")); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(0), failures.Load())

	count, err := broker.Counter(ctx, RateLimitKeyPrefix+"sess-42")
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)

	_, err = m.AddJob(ctx, "message-persistence", msg("sess-42"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	var rle *RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, "sess-42", rle.SessionID)
	assert.Equal(t, int64(100), rle.Limit)
	assert.Contains(t, err.Error(), "sess-42")
	assert.Contains(t, err.Error(), "100")

	stats, err := m.GetQueueStats(ctx, "message-persistence")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Waiting)

	// 其他会话不受影响
	_, err = m.AddJob(ctx, "message-persistence", msg("sess-other"))
	assert.NoError(t, err)
}

// flakyBroker 计数存储不可用
type flakyBroker struct {
	*MemoryBroker
}

func (flakyBroker) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func (flakyBroker) Counter(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAddJob_FailsOpenWhenCounterUnavailable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Deps{Broker: flakyBroker{NewMemoryBroker()}})

	id, err := m.AddJob(ctx, "message-persistence", msg("s1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	stats, _ := m.GetQueueStats(ctx, "message-persistence")
	assert.Equal(t, int64(1), stats.Waiting)

	assert.Equal(t, RateLimitStatus{Count: 0, Limit: 100, Remaining: 100, WithinLimit: true}, m.GetRateLimitStatus(ctx, "s1"))
}

func TestAddJob_FailClosedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.FailOpen = false
	m, err := NewManager(context.Background(), Deps{Broker: flakyBroker{NewMemoryBroker()}}, cfg)
	require.NoError(t, err)
	defer m.Close(context.Background())

	_, err = m.AddJob(context.Background(), "message-persistence", msg("s1"))
	assert.True(t, pkgerrors.IsUnavailable(err))
}

func TestAddJob_Validation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Deps{})
	_, err := m.AddJob(ctx, "nope", msg("s1"))
	assert.ErrorIs(t, err, ErrQueueNotFound)
	_, err = m.AddJob(ctx, "message-persistence", msg(""))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = m.GetQueueStats(ctx, "nope")
	assert.ErrorIs(t, err, ErrQueueNotFound)
	assert.ErrorIs(t, m.PauseQueue(ctx, "nope"), ErrQueueNotFound)
}

func TestGetRateLimitStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Deps{})
	assert.Equal(t, RateLimitStatus{Count: 0, Limit: 100, Remaining: 100, WithinLimit: true}, m.GetRateLimitStatus(ctx, "fresh"))

	for i := 0; i < 3; i++ {
		_, err := m.AddJob(ctx, "tool-execution", ToolExecutionPayload{Session: "s1", ToolUseID: fmt.Sprint(i), ToolName: "erp.lookup"})
		require.NoError(t, err)
	}
	assert.Equal(t, RateLimitStatus{Count: 3, Limit: 100, Remaining: 97, WithinLimit: true}, m.GetRateLimitStatus(ctx, "s1"))
}

func eventCollector() (func(JobEvent), func() []JobEvent) {
	var mu sync.Mutex
	var events []JobEvent
	return func(ev JobEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, ev)
		}, func() []JobEvent {
			mu.Lock()
			defer mu.Unlock()
			return append([]JobEvent(nil), events...)
		}
}

func TestWorkers_ProcessAndRetry(t *testing.T) {
	ctx := context.Background()
	hook, events := eventCollector()
	m := newTestManager(t, Deps{OnJobEvent: hook})

	var calls atomic.Int32
	require.NoError(t, m.RegisterProcessor("message-persistence", ProcessorFunc(func(ctx context.Context, job *Job) error {
		p, err := job.Decode()
		if err != nil {
			return err
		}
		assert.Equal(t, "s1", p.SessionID())
		assert.Equal(t, 3, job.MaxAttempts)
		assert.False(t, job.FinalAttempt())
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})))
	require.NoError(t, m.Start(ctx))

	id, err := m.AddJob(ctx, "message-persistence", msg("s1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, ev := range events() {
			if ev.JobID == id && ev.Type == EventCompleted {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	stats, _ := m.GetQueueStats(ctx, "message-persistence")
	assert.Equal(t, QueueStats{Completed: 1}, stats)
}

func TestWorkers_FinalFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Deps{})
	require.NoError(t, m.RegisterProcessor("tool-execution", ProcessorFunc(func(_ context.Context, job *Job) error {
		assert.True(t, job.FinalAttempt())
		panic("erp gateway exploded")
	})))
	require.NoError(t, m.Start(ctx))
	_, err := m.AddJob(ctx, "tool-execution", ToolExecutionPayload{Session: "s1", ToolUseID: "tu", ToolName: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, _ := m.GetQueueStats(ctx, "tool-execution")
		return s.Failed == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkers_InterruptedFinalAttemptIsFailed(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	m := newTestManager(t, Deps{Broker: broker})

	var calls atomic.Int32
	require.NoError(t, m.RegisterProcessor("message-persistence", ProcessorFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	})))
	require.NoError(t, m.Start(ctx))

	// 回收后的任务已用尽 3 次执行
	h, err := broker.Queue("message-persistence")
	require.NoError(t, err)
	payload, err := json.Marshal(msg("s1"))
	require.NoError(t, err)
	require.NoError(t, h.Enqueue(ctx, &Job{ID: "j-crashed", QueueName: "message-persistence", Kind: KindMessagePersistence, Payload: payload, Attempts: 3}))

	require.Eventually(t, func() bool {
		s, _ := m.GetQueueStats(ctx, "message-persistence")
		return s.Failed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Deps{})
	var calls atomic.Int32
	require.NoError(t, m.RegisterProcessor("tool-execution", ProcessorFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	})))
	require.NoError(t, m.PauseQueue(ctx, "tool-execution"))
	require.NoError(t, m.Start(ctx))
	_, err := m.AddJob(ctx, "tool-execution", ToolExecutionPayload{Session: "s1", ToolUseID: "tu", ToolName: "x"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	require.NoError(t, m.ResumeQueue(ctx, "tool-execution"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
}

// countingBroker 统计各关闭步骤的调用次数
type countingBroker struct {
	*MemoryBroker
	mu          sync.Mutex
	queueCloses map[string]int
	subCloses   map[string]int
	brokerClose int
	failQueue   string
}

func newCountingBroker() *countingBroker {
	return &countingBroker{MemoryBroker: NewMemoryBroker(), queueCloses: map[string]int{}, subCloses: map[string]int{}}
}

func (b *countingBroker) Queue(name string) (QueueHandle, error) {
	h, err := b.MemoryBroker.Queue(name)
	if err != nil {
		return nil, err
	}
	return &countingHandle{QueueHandle: h, b: b}, nil
}

func (b *countingBroker) Close() error {
	b.mu.Lock()
	b.brokerClose++
	b.mu.Unlock()
	return b.MemoryBroker.Close()
}

type countingHandle struct {
	QueueHandle
	b *countingBroker
}

func (h *countingHandle) Close() error {
	h.b.mu.Lock()
	h.b.queueCloses[h.Name()]++
	fail := h.b.failQueue == h.Name()
	h.b.mu.Unlock()
	if fail {
		return errors.New("close failed")
	}
	return h.QueueHandle.Close()
}

func (h *countingHandle) Subscribe(ctx context.Context) (Subscription, error) {
	s, err := h.QueueHandle.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return &countingSub{Subscription: s, name: h.Name(), b: h.b}, nil
}

type countingSub struct {
	Subscription
	name string
	b    *countingBroker
}

func (s *countingSub) Close() error {
	s.b.mu.Lock()
	s.b.subCloses[s.name]++
	s.b.mu.Unlock()
	return s.Subscription.Close()
}

func TestClose_IdempotentAndAttemptsEveryStep(t *testing.T) {
	ctx := context.Background()
	broker := newCountingBroker()
	broker.failQueue = "message-persistence"
	m, err := NewManager(ctx, Deps{Broker: broker}, testConfig())
	require.NoError(t, err)
	require.NoError(t, m.RegisterProcessor("tool-execution", ProcessorFunc(func(context.Context, *Job) error { return nil })))
	require.NoError(t, m.Start(ctx))

	for i := 0; i < 3; i++ {
		assert.NotPanics(t, func() { assert.NoError(t, m.Close(ctx)) })
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	for _, q := range []string{"message-persistence", "tool-execution"} {
		assert.Equal(t, 3, broker.queueCloses[q], q)
		assert.Equal(t, 3, broker.subCloses[q], q)
	}
	// 注入的 broker 由调用方负责关闭
	assert.Equal(t, 0, broker.brokerClose)
}

func TestClose_OwnedBrokerIsClosed(t *testing.T) {
	ctx := context.Background()
	broker := newCountingBroker()
	m, err := NewManager(ctx, Deps{Broker: broker}, testConfig())
	require.NoError(t, err)
	m.ownsBroker = true

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))
	broker.mu.Lock()
	assert.Equal(t, 2, broker.brokerClose)
	broker.mu.Unlock()

	_, err = m.AddJob(ctx, "tool-execution", ToolExecutionPayload{Session: "s1", ToolUseID: "tu", ToolName: "x"})
	assert.Error(t, err)
}

func TestJobDecode(t *testing.T) {
	body, _ := json.Marshal(EmbeddingPayload{Session: "s1", DocumentID: "d1", Chunks: []string{"a", "b"}})
	j := &Job{Kind: KindEmbedding, Payload: body}
	p, err := j.Decode()
	require.NoError(t, err)
	emb, ok := p.(EmbeddingPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, emb.Chunks)

	_, err = (&Job{Kind: "mystery"}).Decode()
	assert.Error(t, err)
}

func TestQueueConfigBackoff(t *testing.T) {
	q := QueueConfig{Backoff: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, q.backoff(1))
	assert.Equal(t, 200*time.Millisecond, q.backoff(2))
	assert.Equal(t, 400*time.Millisecond, q.backoff(3))
}
