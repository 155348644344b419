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
	"time"

	"bizassist/pkg/config"
)

const (
	DefaultRateLimit   = 100
	DefaultRateWindow  = time.Hour
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultPoll        = 2 * time.Second
	DefaultLease       = 30 * time.Second
	RateLimitKeyPrefix = "ratelimit:session:"
)

// Config Manager 配置
type Config struct {
	Prefix       string
	SettleDelay  time.Duration
	PollInterval time.Duration
	Lease        time.Duration // 自建 Redis broker 的租约；worker 按 Lease/3 续期
	RateLimit    RateLimit
	Queues       []QueueConfig
	Redis        config.RedisConfig // Deps.Broker 为 nil 时据此自建连接
}

// RateLimit 会话准入限流
type RateLimit struct {
	Limit    int64
	Window   time.Duration
	FailOpen bool
}

// QueueConfig 单个队列：并发、重试策略与可选的吞吐限制
type QueueConfig struct {
	Name        string
	Concurrency int
	Attempts    int
	Backoff     time.Duration
	LimiterMax  int
	LimiterSpan time.Duration
}

// FromAppConfig 由应用配置构造
func FromAppConfig(c *config.Config) Config {
	q := c.Queues
	cfg := Config{
		Prefix:       q.Prefix,
		SettleDelay:  config.ParseDuration(q.SettleDelay, DefaultSettleDelay),
		PollInterval: config.ParseDuration(q.PollInterval, DefaultPoll),
		Lease:        config.ParseDuration(q.Lease, DefaultLease),
		RateLimit: RateLimit{
			Limit:    int64(q.RateLimit.Limit),
			Window:   config.ParseDuration(q.RateLimit.Window, DefaultRateWindow),
			FailOpen: q.RateLimit.IsFailOpen(),
		},
		Redis: c.Redis,
	}
	queues := q.Queues
	if len(queues) == 0 {
		queues = config.DefaultQueues()
	}
	for _, qc := range queues {
		cfg.Queues = append(cfg.Queues, QueueConfig{
			Name:        qc.Name,
			Concurrency: qc.Concurrency,
			Attempts:    qc.Attempts,
			Backoff:     config.ParseDuration(qc.Backoff, time.Second),
			LimiterMax:  qc.Limiter.Max,
			LimiterSpan: config.ParseDuration(qc.Limiter.Duration, time.Second),
		})
	}
	return cfg
}

func (c *Config) normalize() {
	if c.Prefix == "" {
		c.Prefix = "bizassist"
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPoll
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.RateLimit.Limit <= 0 {
		c.RateLimit.Limit = DefaultRateLimit
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = DefaultRateWindow
	}
	if len(c.Queues) == 0 {
		for _, n := range []string{config.QueueMessagePersistence, config.QueueToolExecution, config.QueueEventProcessing, config.QueueEmbedding} {
			c.Queues = append(c.Queues, QueueConfig{Name: n})
		}
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Concurrency <= 0 {
			q.Concurrency = 1
		}
		if q.Attempts <= 0 {
			q.Attempts = 1
		}
		if q.Backoff <= 0 {
			q.Backoff = time.Second
		}
	}
}

// backoff 第 attempt 次失败后的等待：Backoff * 2^(attempt-1)
func (q QueueConfig) backoff(attempt int) time.Duration {
	d := q.Backoff
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
