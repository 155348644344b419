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

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bizassist/pkg/redaction"
	"bizassist/pkg/secrets"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queues     QueuesConfig     `mapstructure:"queues"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	EventLog   EventLogConfig   `mapstructure:"eventlog"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Secrets    secrets.Config   `mapstructure:"secrets"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int       `mapstructure:"port"`
	Host    string    `mapstructure:"host"`
	Timeout string    `mapstructure:"timeout"`
	JWT     JWTConfig `mapstructure:"jwt"`
}

// JWTConfig 审批接口的身份认证；Enabled=false 时从 X-User-ID 头读取用户（仅开发环境）
type JWTConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Key        string `mapstructure:"key"`
	Timeout    string `mapstructure:"timeout"`     // 如 "1h"
	MaxRefresh string `mapstructure:"max_refresh"` // 如 "1h"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// PostgresConfig 关系库配置；DSN 为空时审批、事件日志等使用内存实现
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"` // 启动时执行内嵌建表语句
}

// RedisConfig 共享 broker 连接配置（队列 + 限流计数 + 实时推送）
type RedisConfig struct {
	URL      string `mapstructure:"url"` // 优先于 Addr，如 redis://:pass@host:6379/0
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueuesConfig 任务队列配置
type QueuesConfig struct {
	Backend      string          `mapstructure:"backend"` // redis | memory
	Prefix       string          `mapstructure:"prefix"`
	SettleDelay  string          `mapstructure:"settle_delay"`  // 关闭各阶段之间的等待，如 "500ms"
	PollInterval string          `mapstructure:"poll_interval"` // worker 阻塞出队超时
	Lease        string          `mapstructure:"lease"`         // 进行中任务的租约，worker 崩溃后过期任务重新入队
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
	Queues       []QueueConfig   `mapstructure:"queues"`
}

// RateLimitConfig 按会话的准入控制
type RateLimitConfig struct {
	Limit    int    `mapstructure:"limit"`     // 每窗口最大入队数
	Window   string `mapstructure:"window"`    // 窗口长度，如 "1h"
	FailOpen *bool  `mapstructure:"fail_open"` // 计数存储不可用时是否放行；未配置时默认 true
}

// QueueConfig 单个命名队列
type QueueConfig struct {
	Name        string        `mapstructure:"name"`
	Concurrency int           `mapstructure:"concurrency"`
	Attempts    int           `mapstructure:"attempts"` // 含首次的最大执行次数
	Backoff     string        `mapstructure:"backoff"`  // 首次重试等待，之后指数增长
	Limiter     LimiterConfig `mapstructure:"limiter"`
}

// LimiterConfig 队列级吞吐限制：每 Duration 最多 Max 个 job
type LimiterConfig struct {
	Max      int    `mapstructure:"max"`
	Duration string `mapstructure:"duration"`
}

// ApprovalConfig 人工审批配置
type ApprovalConfig struct {
	DefaultTimeout string `mapstructure:"default_timeout"`
	SweepSchedule  string `mapstructure:"sweep_schedule"` // cron 表达式，如 "@every 1m"
}

// EventLogConfig 事件日志配置
type EventLogConfig struct {
	Type    string `mapstructure:"type"` // memory | postgres | http
	URL     string `mapstructure:"url"`  // type=http 时事件服务地址
	Timeout string `mapstructure:"timeout"`
	// Redaction 落库前按事件类型脱敏（如工具参数中的账号）
	Redaction redaction.Config `mapstructure:"redaction"`
}

// RealtimeConfig 会话实时推送配置
type RealtimeConfig struct {
	Type          string `mapstructure:"type"` // memory | redis
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// WorkerConfig Worker 进程的外部协作方
type WorkerConfig struct {
	ToolGatewayURL  string `mapstructure:"tool_gateway_url"`
	ToolTimeout     string `mapstructure:"tool_timeout"`
	EmbeddingURL    string `mapstructure:"embedding_url"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	EmbeddingAPIKey string `mapstructure:"embedding_api_key"`
	Embedded        bool   `mapstructure:"embedded"` // API 进程内同时运行 worker；需要审批的工具任务必须与审批应答在同一进程
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// 默认队列名
const (
	QueueMessagePersistence = "message-persistence"
	QueueToolExecution      = "tool-execution"
	QueueEventProcessing    = "event-processing"
	QueueEmbedding          = "embedding-generation"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.jwt.timeout", "1h")
	v.SetDefault("api.jwt.max_refresh", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("queues.backend", "redis")
	v.SetDefault("queues.prefix", "bizassist")
	v.SetDefault("queues.settle_delay", "500ms")
	v.SetDefault("queues.poll_interval", "2s")
	v.SetDefault("queues.rate_limit.limit", 100)
	v.SetDefault("queues.rate_limit.window", "1h")
	v.SetDefault("approval.default_timeout", "5m")
	v.SetDefault("approval.sweep_schedule", "@every 1m")
	v.SetDefault("eventlog.type", "memory")
	v.SetDefault("eventlog.timeout", "5s")
	v.SetDefault("realtime.type", "memory")
	v.SetDefault("realtime.channel_prefix", "session")
	v.SetDefault("worker.tool_timeout", "60s")
	v.SetDefault("worker.embedded", true)
	v.SetDefault("monitoring.tracing.service_name", "bizassist")
}

// DefaultQueues 未配置 queues.queues 时使用的队列集合
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueMessagePersistence, Concurrency: 4, Attempts: 3, Backoff: "1s"},
		{Name: QueueToolExecution, Concurrency: 2, Attempts: 2, Backoff: "2s"},
		{Name: QueueEventProcessing, Concurrency: 4, Attempts: 3, Backoff: "1s"},
		{Name: QueueEmbedding, Concurrency: 1, Attempts: 3, Backoff: "5s", Limiter: LimiterConfig{Max: 10, Duration: "1s"}},
	}
}

// LoadConfig 加载配置文件；环境变量可覆盖任意键（"." 替换为 "_"，如 POSTGRES_DSN）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	if len(config.Queues.Queues) == 0 {
		config.Queues.Queues = DefaultQueues()
	}
	return &config, nil
}

// Default 返回纯默认配置（不读文件），供测试与单进程开发使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	config.Queues.Queues = DefaultQueues()
	return &config
}

// ResolveSecrets 替换配置中的 ${ENV} 占位与 secret: 引用
func ResolveSecrets(ctx context.Context, config *Config, store secrets.Store) error {
	fields := []*string{
		&config.Postgres.DSN,
		&config.Redis.URL,
		&config.Redis.Password,
		&config.API.JWT.Key,
		&config.Worker.EmbeddingAPIKey,
	}
	rd := &config.EventLog.Redaction
	for i := range rd.Global {
		fields = append(fields, &rd.Global[i].Salt)
	}
	for i := range rd.Events {
		for j := range rd.Events[i].Fields {
			fields = append(fields, &rd.Events[i].Fields[j].Salt)
		}
	}
	for _, f := range fields {
		*f = expandEnv(*f)
		v, err := secrets.Resolve(ctx, store, *f)
		if err != nil {
			return err
		}
		*f = v
	}
	return nil
}

// expandEnv 展开 "${NAME}" 形式的整值占位，未设置时保持原值
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	name := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	if val := os.Getenv(name); val != "" {
		return val
	}
	return s
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// IsFailOpen 限流计数存储不可用时是否放行
func (r RateLimitConfig) IsFailOpen() bool {
	if r.FailOpen == nil {
		return true
	}
	return *r.FailOpen
}
