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
	"time"

	"github.com/robfig/cron/v3"

	"bizassist/pkg/log"
)

// DefaultSweepSchedule 审批过期清扫的默认周期
const DefaultSweepSchedule = "@every 1m"

// 支持 5 段、带秒的 6 段表达式以及 @every 描述符
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Expirer 批量过期到期的审批
type Expirer interface {
	ExpireOldApprovals(ctx context.Context) (int64, error)
}

// Sweeper 按 cron 周期运行 ExpireOldApprovals；同一时刻最多一轮在执行
type Sweeper struct {
	cron    *cron.Cron
	expirer Expirer
	logger  *log.Logger
	timeout time.Duration
}

// NewSweeper schedule 为空时使用 DefaultSweepSchedule
func NewSweeper(schedule string, expirer Expirer, logger *log.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Sweeper{expirer: expirer, logger: logger, timeout: 30 * time.Second}
	s.cron = cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid approval sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce 执行一轮清扫
func (s *Sweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.expirer.ExpireOldApprovals(ctx)
	if err != nil {
		s.logger.Error("审批过期清扫失败", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("已过期审批", "count", n)
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop 停止调度并等待正在执行的一轮结束，ctx 到期则直接返回
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
