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
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix 频道名为 <prefix>:<sessionID>:events
const DefaultChannelPrefix = "session"

// RedisPublisher 通过 Redis pub/sub 把事件广播给持有 WebSocket 连接的 API 实例
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher client 由调用方持有与关闭
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel 返回会话对应的频道名
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + ":" + sessionID + ":events"
}

func (p *RedisPublisher) Publish(ctx context.Context, sessionID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(sessionID), b).Err()
}

// Forward 订阅所有会话频道并转发到本地 Hub，直到 ctx 取消
func (p *RedisPublisher) Forward(ctx context.Context, hub *Hub) error {
	sub := p.client.PSubscribe(ctx, p.prefix+":*:events")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			_ = hub.Publish(ctx, p.sessionFromChannel(msg.Channel), ev)
		}
	}
}

func (p *RedisPublisher) sessionFromChannel(channel string) string {
	s := channel[len(p.prefix)+1:]
	return s[:len(s)-len(":events")]
}
