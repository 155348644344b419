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
	"errors"
	"fmt"
	"time"

	"bizassist/pkg/log"
	"bizassist/pkg/metrics"
	"bizassist/pkg/tracing"
)

// worker 单个消费循环；stop 取消循环并等待当前任务结束，可重复调用
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) stop(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker did not stop: %w", ctx.Err())
	}
}

func startWorker(parent context.Context, m *Manager, qs *queueState, idx int) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	logger := m.logger.With("queue", qs.cfg.Name, "worker", idx)
	go func() {
		defer close(w.done)
		for {
			if ctx.Err() != nil {
				return
			}
			if qs.limiter != nil {
				if err := qs.limiter.Wait(ctx); err != nil {
					return
				}
			}
			job, err := qs.handle.Dequeue(ctx, m.cfg.PollInterval)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
					return
				}
				logger.Warn("dequeue failed", "error", err)
				if !sleepCtx(ctx, m.cfg.PollInterval) {
					return
				}
				continue
			}
			if job == nil {
				continue
			}
			m.process(context.WithoutCancel(ctx), qs, job, logger)
		}
	}()
	return w
}

// startPromoter 周期性把到期的重试任务移回等待队列
func startPromoter(parent context.Context, m *Manager, qs *queueState) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	interval := m.cfg.PollInterval
	if interval > time.Second {
		interval = time.Second
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := qs.handle.PromoteDue(ctx, now); err != nil && ctx.Err() == nil {
					m.logger.Warn("promote delayed jobs failed", "queue", qs.cfg.Name, "error", err)
				}
			}
		}
	}()
	return w
}

// process 执行任务；进行中的任务不随 worker 停止而取消
func (m *Manager) process(ctx context.Context, qs *queueState, job *Job, logger *log.Logger) {
	name := qs.cfg.Name
	if job.Attempts >= qs.cfg.Attempts {
		// 最后一次执行被中断（租约过期回收），不再执行
		metrics.JobProcessedTotal.WithLabelValues(name, "failed").Inc()
		logger.Warn("job attempts exhausted by interrupted runs", "job_id", job.ID, "attempts", job.Attempts)
		if ferr := qs.handle.Fail(ctx, job, errLeaseExhausted.Error(), time.Time{}); ferr != nil {
			logger.Error("mark job failed failed", "job_id", job.ID, "error", ferr)
		}
		return
	}
	job.Attempts++
	job.MaxAttempts = qs.cfg.Attempts
	ctx, span := tracing.StartJobSpan(ctx, name, job.ID, job.Attempts)
	metrics.WorkerBusy.WithLabelValues(name).Inc()
	start := time.Now()

	stopHeartbeat := m.heartbeat(ctx, qs, job, logger)
	err := runProcessor(ctx, qs.processor, job)
	stopHeartbeat()

	metrics.WorkerBusy.WithLabelValues(name).Dec()
	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	tracing.EndSpan(span, err)

	if err == nil {
		metrics.JobProcessedTotal.WithLabelValues(name, "completed").Inc()
		if cerr := qs.handle.Complete(ctx, job); cerr != nil {
			logger.Error("mark job completed failed", "job_id", job.ID, "error", cerr)
		}
		return
	}
	var retryAt time.Time
	outcome := "failed"
	if job.Attempts < qs.cfg.Attempts {
		retryAt = time.Now().Add(qs.cfg.backoff(job.Attempts))
		outcome = "retry"
	}
	metrics.JobProcessedTotal.WithLabelValues(name, outcome).Inc()
	logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts, "max_attempts", qs.cfg.Attempts, "retry", outcome == "retry", "error", err)
	if ferr := qs.handle.Fail(ctx, job, err.Error(), retryAt); ferr != nil {
		logger.Error("mark job failed failed", "job_id", job.ID, "error", ferr)
	}
}

var errLeaseExhausted = errors.New("lease expired on the final attempt")

// heartbeat 执行期间按 Lease/3 续期租约，返回的函数停止续期并等待其退出
func (m *Manager) heartbeat(ctx context.Context, qs *queueState, job *Job, logger *log.Logger) func() {
	interval := m.cfg.Lease / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := qs.handle.Heartbeat(ctx, job); err != nil && ctx.Err() == nil {
					logger.Warn("extend job lease failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func runProcessor(ctx context.Context, p Processor, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, job)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// listener 消费队列的任务事件并记录
type listener struct {
	sub  Subscription
	done chan struct{}
}

// 关闭订阅后等待事件循环退出的上限
const listenerDrainTimeout = 2 * time.Second

func startListener(queue string, sub Subscription, logger *log.Logger, hook func(JobEvent)) *listener {
	l := &listener{sub: sub, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for ev := range sub.Events() {
			switch ev.Type {
			case EventCompleted:
				logger.Debug("job completed", "queue", queue, "job_id", ev.JobID, "attempt", ev.Attempt)
			case EventFailed:
				logger.Warn("job failed event", "queue", queue, "job_id", ev.JobID, "attempt", ev.Attempt, "retrying", ev.Retrying, "error", ev.Error)
			}
			if hook != nil {
				hook(ev)
			}
		}
	}()
	return l
}

// close 关闭订阅并等待事件循环退出；可重复调用
func (l *listener) close() error {
	err := l.sub.Close()
	t := time.NewTimer(listenerDrainTimeout)
	defer t.Stop()
	select {
	case <-l.done:
	case <-t.C:
		if err == nil {
			err = errors.New("listener did not drain")
		}
	}
	return err
}
