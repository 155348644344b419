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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisBroker(t *testing.T) (*RedisBroker, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := DialRedis(context.Background(), "", addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, "test-"+uuid.NewString()[:8]), client
}

func TestRedisBroker_IncrWithExpiryKeepsWindow(t *testing.T) {
	b, client := redisBroker(t)
	ctx := context.Background()
	key := b.prefix + ":" + RateLimitKeyPrefix + "s1"
	t.Cleanup(func() { client.Del(ctx, key) })

	n, err := b.IncrWithExpiry(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ttl1 := client.TTL(ctx, key).Val()

	time.Sleep(1100 * time.Millisecond)
	n, err = b.IncrWithExpiry(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Less(t, client.TTL(ctx, key).Val(), ttl1)

	c, err := b.Counter(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c)
	c, err = b.Counter(ctx, key+":missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c)
}

func TestRedisBroker_QueueFlow(t *testing.T) {
	b, client := redisBroker(t)
	ctx := context.Background()
	h, err := b.Queue("q")
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, b.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	sub, err := h.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, h.Enqueue(ctx, &Job{ID: fmt.Sprintf("j%d", i), QueueName: "q", Kind: KindEventProcessing}))
	}
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)

	j, err := h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "j0", j.ID)
	require.NoError(t, h.Complete(ctx, j))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventCompleted, ev.Type)
		assert.Equal(t, "j0", ev.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event")
	}

	j, err = h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	retryAt := time.Now().Add(-time.Millisecond)
	require.NoError(t, h.Fail(ctx, j, "boom", retryAt))
	n, err := h.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.Pause(ctx))
	j, err = h.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, j)
	require.NoError(t, h.Resume(ctx))
	j, err = h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "boom", j.LastError)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.ErrorIs(t, h.Enqueue(ctx, &Job{ID: "late"}), ErrQueueClosed)
}

func TestRedisBroker_ExpiredLeaseIsRequeued(t *testing.T) {
	b, client := redisBroker(t)
	b.WithLease(time.Minute)
	ctx := context.Background()
	h, err := b.Queue("lease")
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, b.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	require.NoError(t, h.Enqueue(ctx, &Job{ID: "j1", QueueName: "lease", Kind: KindEventProcessing, Attempts: 1}))
	j, err := h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempts)

	// 租约未到期：不回收
	n, err := h.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	stats, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active)

	// worker 崩溃后租约过期
	n, err = h.PromoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stats, err = h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Waiting)

	j, err = h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "j1", j.ID)
	assert.Equal(t, 2, j.Attempts)

	require.NoError(t, h.Complete(ctx, j))
	assert.Equal(t, int64(0), client.HLen(ctx, b.prefix+":lease:interrupted").Val())
	assert.Equal(t, int64(0), client.ZCard(ctx, b.prefix+":lease:leases").Val())
}

func TestRedisBroker_HeartbeatExtendsLease(t *testing.T) {
	b, client := redisBroker(t)
	b.WithLease(time.Second)
	ctx := context.Background()
	h, err := b.Queue("hb")
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, b.prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	require.NoError(t, h.Enqueue(ctx, &Job{ID: "j1", QueueName: "hb", Kind: KindEventProcessing}))
	j, err := h.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	before := client.ZScore(ctx, b.prefix+":hb:leases", "j1").Val()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Heartbeat(ctx, j))
	assert.Greater(t, client.ZScore(ctx, b.prefix+":hb:leases", "j1").Val(), before)

	// 已完成的任务不会被续期重新登记
	require.NoError(t, h.Complete(ctx, j))
	require.NoError(t, h.Heartbeat(ctx, j))
	assert.Equal(t, int64(0), client.ZCard(ctx, b.prefix+":hb:leases").Val())
}
