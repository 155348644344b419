package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 进程内唯一注册表；API 与 Worker 均通过 WritePrometheus 暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		JobEnqueuedTotal, JobProcessedTotal, JobDuration,
		RateLimitRejectedTotal, RateLimitFailOpenTotal,
		WorkerBusy,
		ApprovalRequestedTotal, ApprovalResolvedTotal, ApprovalPending,
		EventLogDegradedTotal,
		ToolCallsOrphanedTotal, ToolEventDuplicatesTotal,
	)
}

// JobEnqueuedTotal 入队成功的 job 数（按队列）
var JobEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_job_enqueued_total",
		Help: "入队成功的 job 数",
	},
	[]string{"queue"},
)

// JobProcessedTotal Worker 处理结果（按队列与结果）
var JobProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_job_processed_total",
		Help: "Worker 处理完成的 job 数",
	},
	[]string{"queue", "outcome"}, // completed | retried | failed
)

// JobDuration job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "bizassist_job_duration_seconds",
		Help:    "job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"queue"},
)

// RateLimitRejectedTotal 因会话准入控制被拒绝的入队次数
var RateLimitRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_rate_limit_rejected_total",
		Help: "因会话限流被拒绝的入队次数",
	},
	[]string{"queue"},
)

// RateLimitFailOpenTotal 计数存储不可用而放行的次数
var RateLimitFailOpenTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "bizassist_rate_limit_fail_open_total",
		Help: "限流计数存储不可用时放行的入队次数",
	},
)

// WorkerBusy 当前正在执行的 job 数（按队列）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "bizassist_worker_busy",
		Help: "当前正在执行的 job 数",
	},
	[]string{"queue"},
)

// ApprovalRequestedTotal 发起的审批请求数
var ApprovalRequestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_approval_requested_total",
		Help: "发起的审批请求数",
	},
	[]string{"tool"},
)

// ApprovalResolvedTotal 审批终态（按决定）
var ApprovalResolvedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_approval_resolved_total",
		Help: "审批终态次数",
	},
	[]string{"decision"}, // approved | rejected | expired
)

// ApprovalPending 本进程内仍在等待决定的审批数
var ApprovalPending = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "bizassist_approval_pending",
		Help: "本进程内等待决定的审批数",
	},
)

// EventLogDegradedTotal 事件日志写入失败、以降级模式继续的次数
var EventLogDegradedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bizassist_eventlog_degraded_total",
		Help: "事件日志写入失败后降级继续的次数",
	},
	[]string{"event_type"},
)

// ToolCallsOrphanedTotal 会话结束时仍未完成、被标记为 orphaned 的工具调用数
var ToolCallsOrphanedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "bizassist_tool_calls_orphaned_total",
		Help: "被标记为 orphaned 的工具调用数",
	},
)

// ToolEventDuplicatesTotal 被去重拦截的重复 tool_use 通知数
var ToolEventDuplicatesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "bizassist_tool_event_duplicates_total",
		Help: "被拦截的重复工具调用通知数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	mfs, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
