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

package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversOnlyToSession(t *testing.T) {
	hub := NewHub()
	ch1, cancel1 := hub.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("s2")
	defer cancel2()

	require.NoError(t, hub.Publish(context.Background(), "s1", Event{Type: "approval_requested", ApprovalID: "a1", SequenceNumber: Seq(3)}))

	select {
	case ev := <-ch1:
		assert.Equal(t, "a1", ev.ApprovalID)
		require.NotNil(t, ev.SequenceNumber)
		assert.Equal(t, int64(3), *ev.SequenceNumber)
	case <-time.After(time.Second):
		t.Fatal("expected event on s1")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("unexpected event on s2: %+v", ev)
	default:
	}
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("s1")
	cancel()
	cancel()
	assert.NoError(t, hub.Publish(context.Background(), "s1", Event{Type: "x"}))
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("s1")
	defer cancel()
	for i := 0; i < subscriberBuffer*2; i++ {
		require.NoError(t, hub.Publish(context.Background(), "s1", Event{Type: "x"}))
	}
}

func TestRedisPublisher_Channel(t *testing.T) {
	p := NewRedisPublisher(nil, "")
	assert.Equal(t, "session:abc:events", p.Channel("abc"))
	assert.Equal(t, "abc", p.sessionFromChannel("session:abc:events"))
}

func TestRedisPublisher_ForwardToHub(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis publisher tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	events, unsub := hub.Subscribe("s1")
	defer unsub()
	pub := NewRedisPublisher(client, "rt-test")
	go func() { _ = pub.Forward(ctx, hub) }()

	// 等待订阅生效后重复发布
	deadline := time.After(3 * time.Second)
	for {
		require.NoError(t, pub.Publish(ctx, "s1", Event{Type: "approval_resolved", ApprovalID: "a9", PersistenceState: PersistenceFailed}))
		select {
		case ev := <-events:
			assert.Equal(t, "a9", ev.ApprovalID)
			assert.Equal(t, PersistenceFailed, ev.PersistenceState)
			assert.Nil(t, ev.SequenceNumber)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event forwarded")
		}
	}
}
