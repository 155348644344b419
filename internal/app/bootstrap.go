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

package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"bizassist/internal/agent/approval"
	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/agent/toolevents"
	"bizassist/internal/agent/tooltrack"
	"bizassist/internal/runtime/eventlog"
	"bizassist/internal/runtime/realtime"
	"bizassist/internal/runtime/session"
	"bizassist/internal/storage/pgschema"
	"bizassist/pkg/config"
	"bizassist/pkg/errors"
	"bizassist/pkg/log"
	"bizassist/pkg/redaction"
	"bizassist/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，cmd 内不写装配逻辑
type Bootstrap struct {
	Config *config.Config
	Logger *log.Logger

	Pool  *pgxpool.Pool  // 未配置 postgres.dsn 时为 nil
	Redis *redis.Client  // 队列与推送都不用 redis 时为 nil

	Sessions  *session.Manager
	EventLog  eventlog.EventLog
	Hub       *realtime.Hub
	Publisher realtime.Publisher
	Approvals *approval.Coordinator
	Queues    *jobqueue.Manager
	Tracker   *tooltrack.Tracker
	Dedup     *tooltrack.Deduplicator
	ToolSink  tooltrack.Sink

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// NewBootstrap 根据配置创建各组件；失败时释放已创建的连接
func NewBootstrap(ctx context.Context, cfg *config.Config) (_ *Bootstrap, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	b := &Bootstrap{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close(context.WithoutCancel(ctx))
		}
	}()

	store, err := secrets.NewStore(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err := config.ResolveSecrets(ctx, cfg, store); err != nil {
		return nil, fmt.Errorf("解析 secret 引用失败: %w", err)
	}

	if err := b.openPostgres(ctx); err != nil {
		return nil, err
	}
	if err := b.openRedis(ctx); err != nil {
		return nil, err
	}

	var sessStore session.Store = session.NewMemoryStore()
	if b.Pool != nil {
		sessStore = session.NewPostgresStore(b.Pool)
	}
	b.Sessions = session.NewManager(sessStore)

	if b.EventLog, err = b.newEventLog(); err != nil {
		return nil, err
	}
	b.EventLog = eventlog.WithRedaction(b.EventLog, redaction.NewRedactor(redaction.NewPolicy(cfg.EventLog.Redaction)))

	b.Hub = realtime.NewHub()
	b.Publisher = b.Hub
	if strings.EqualFold(cfg.Realtime.Type, "redis") {
		b.Publisher = realtime.NewRedisPublisher(b.Redis, cfg.Realtime.ChannelPrefix)
	}

	var approvalStore approval.Store = approval.NewMemoryStore(sessStore)
	if b.Pool != nil {
		approvalStore = approval.NewPostgresStore(b.Pool)
	}
	b.Approvals = approval.NewCoordinator(approval.Deps{
		Store:          approvalStore,
		EventLog:       b.EventLog,
		Publisher:      b.Publisher,
		Logger:         logger.With("component", "approval"),
		DefaultTimeout: config.ParseDuration(cfg.Approval.DefaultTimeout, 0),
	})

	var broker jobqueue.Broker = jobqueue.NewMemoryBroker()
	if !strings.EqualFold(cfg.Queues.Backend, "memory") {
		broker = jobqueue.NewRedisBroker(b.Redis, cfg.Queues.Prefix).
			WithLease(config.ParseDuration(cfg.Queues.Lease, jobqueue.DefaultLease))
	}
	b.Queues, err = jobqueue.NewManager(ctx, jobqueue.Deps{
		Broker: broker,
		Logger: logger.With("component", "jobqueue"),
	}, jobqueue.FromAppConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("初始化任务队列失败: %w", err)
	}
	b.onClose("queues", b.Queues.Close)
	// 先于队列关闭执行：唤醒等待审批的工具任务，worker 才能退出
	b.onClose("approvals", func(context.Context) error {
		b.Approvals.Reset()
		return nil
	})

	b.Tracker = tooltrack.NewTracker(logger.With("component", "tooltrack"))
	b.Dedup = tooltrack.NewDeduplicator()
	if b.Pool != nil {
		b.ToolSink = toolevents.NewPostgresSink(b.Pool)
	} else {
		b.ToolSink = toolevents.NewEventLogSink(b.EventLog)
	}

	logger.Info("bootstrap 完成",
		"postgres", b.Pool != nil,
		"queue_backend", cfg.Queues.Backend,
		"eventlog", cfg.EventLog.Type,
		"realtime", cfg.Realtime.Type)
	return b, nil
}

func (b *Bootstrap) openPostgres(ctx context.Context) error {
	pc := b.Config.Postgres
	if pc.DSN == "" {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(pc.DSN)
	if err != nil {
		return fmt.Errorf("解析 postgres dsn 失败: %w", err)
	}
	if pc.MaxConns > 0 {
		poolCfg.MaxConns = pc.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("连接 postgres 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("连接 postgres 失败: %w", err)
	}
	b.Pool = pool
	b.onClose("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	if pc.AutoMigrate {
		if err := pgschema.Apply(ctx, pool); err != nil {
			return fmt.Errorf("建表失败: %w", err)
		}
	}
	return nil
}

func (b *Bootstrap) openRedis(ctx context.Context) error {
	cfg := b.Config
	need := !strings.EqualFold(cfg.Queues.Backend, "memory") || strings.EqualFold(cfg.Realtime.Type, "redis")
	if !need {
		return nil
	}
	client, err := jobqueue.DialRedis(ctx, cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("连接 redis 失败: %w", err)
	}
	b.Redis = client
	b.onClose("redis", func(context.Context) error { return client.Close() })
	return nil
}

func (b *Bootstrap) newEventLog() (eventlog.EventLog, error) {
	ec := b.Config.EventLog
	switch strings.ToLower(ec.Type) {
	case "", "memory":
		return eventlog.NewMemoryLog(), nil
	case "postgres":
		if b.Pool == nil {
			return nil, fmt.Errorf("eventlog.type=postgres 需要配置 postgres.dsn")
		}
		return eventlog.NewPostgresLog(b.Pool), nil
	case "http":
		if ec.URL == "" {
			return nil, fmt.Errorf("eventlog.type=http 需要配置 eventlog.url")
		}
		return eventlog.NewHTTPLog(ec.URL, config.ParseDuration(ec.Timeout, 0)), nil
	default:
		return nil, fmt.Errorf("不支持的 eventlog.type: %s", ec.Type)
	}
}

func (b *Bootstrap) onClose(name string, fn func(context.Context) error) {
	b.closers = append(b.closers, closer{name: name, fn: fn})
}

// Close 按创建的逆序释放资源；单步失败只记录，不中断后续步骤
func (b *Bootstrap) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		c := b.closers[i]
		if err := c.fn(ctx); err != nil {
			b.Logger.Warn("关闭组件失败", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Reset 清空进程内状态（等待中的审批、在途工具调用、去重集合），用于测试隔离
func (b *Bootstrap) Reset() {
	b.Approvals.Reset()
	b.Tracker.Reset()
	b.Dedup.Reset()
}
