/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package restart decides what happens after a supervised child exits.
// restart 包决定受监管子进程退出后的处理方式。
//
// This package provides:
// 此包提供：
// - Restart policy with a bounded budget / 带上限预算的重启策略
// - A pure restart decision function / 纯函数形式的重启决策
// - Exponential backoff calculation / 指数退避计算
package restart

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Default policy values
// 默认策略值
const (
	DefaultMaxRestarts  = 10
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 15 * time.Second
	DefaultFactor       = 1.5
)

// ErrInvalidPolicy indicates a policy that can never be enforced
// ErrInvalidPolicy 表示无法执行的策略
var ErrInvalidPolicy = errors.New("invalid restart policy")

// Backoff is the delay schedule between an unexpected exit and the respawn
// Backoff 是意外退出到重新启动之间的延迟计划
type Backoff struct {
	Initial time.Duration `json:"initial" mapstructure:"initial"`
	Max     time.Duration `json:"max" mapstructure:"max"`
	Factor  float64       `json:"factor" mapstructure:"factor"`
}

// Policy holds the restart configuration of one process
// Policy 保存单个进程的重启配置
type Policy struct {
	AutoRestart bool    `json:"autorestart"`
	MaxRestarts int     `json:"max_restarts"`
	Backoff     Backoff `json:"backoff"`

	// StopExitCodes are exit codes treated as a deliberate stop
	// StopExitCodes 是视为主动停止的退出码
	StopExitCodes []int `json:"stop_exit_codes,omitempty"`
}

// DefaultPolicy returns the policy used when configuration is silent
// DefaultPolicy 返回配置未指定时使用的策略
func DefaultPolicy() Policy {
	return Policy{
		AutoRestart: true,
		MaxRestarts: DefaultMaxRestarts,
		Backoff: Backoff{
			Initial: DefaultInitialDelay,
			Max:     DefaultMaxDelay,
			Factor:  DefaultFactor,
		},
	}
}

// FixedBackoff waits the same delay before every respawn.
func FixedBackoff(delay time.Duration) Backoff {
	return Backoff{Initial: delay, Max: delay, Factor: 1}
}

// Validate rejects negative budgets and delays.
// Validate 拒绝负数的预算和延迟。
func (p Policy) Validate() error {
	if p.MaxRestarts < 0 {
		return fmt.Errorf("%w: max_restarts must be >= 0, got %d", ErrInvalidPolicy, p.MaxRestarts)
	}
	if p.Backoff.Initial < 0 || p.Backoff.Max < 0 {
		return fmt.Errorf("%w: backoff delays must be >= 0", ErrInvalidPolicy)
	}
	if p.Backoff.Factor != 0 && p.Backoff.Factor < 1 {
		return fmt.Errorf("%w: backoff factor must be >= 1, got %v", ErrInvalidPolicy, p.Backoff.Factor)
	}
	return nil
}

// Delay returns the wait before restart attempt number attempt (1-based).
// Delay 返回第 attempt 次（从 1 开始）重启前的等待时间。
func (p Policy) Delay(attempt int) time.Duration {
	b := p.Backoff
	factor := b.Factor
	if factor == 0 {
		factor = 1
	}
	max := b.Max
	if max < b.Initial {
		max = b.Initial
	}
	return CalculateBackoff(attempt, b.Initial, max, factor)
}

// CalculateBackoff calculates backoff duration for a given attempt
// CalculateBackoff 计算给定尝试次数的退避时间
func CalculateBackoff(attempt int, initialInterval, maxInterval time.Duration, factor float64) time.Duration {
	if attempt <= 1 {
		return min(initialInterval, maxInterval)
	}

	// InitialInterval * Factor^(attempt-1), clamped before it can overflow
	backoff := float64(initialInterval)
	for i := 1; i < attempt; i++ {
		backoff *= factor
		if backoff >= float64(maxInterval) {
			return maxInterval
		}
	}

	return min(time.Duration(backoff), maxInterval)
}

// Decision is the outcome of an exit
// Decision 是一次退出的处理结果
type Decision string

const (
	// DecisionStop ends the instance in Stopped
	// DecisionStop 使实例进入 Stopped
	DecisionStop Decision = "stop"

	// DecisionRestart schedules a respawn after backoff
	// DecisionRestart 在退避后安排重新启动
	DecisionRestart Decision = "restart"

	// DecisionFail ends the instance in Failed because the budget is spent
	// DecisionFail 因预算耗尽使实例进入 Failed
	DecisionFail Decision = "fail"
)

// Exit is what the decision needs to know about a termination
// Exit 是决策所需的终止信息
type Exit struct {
	Code     int
	Signaled bool

	// SpawnFailed marks a respawn that never produced a process
	// SpawnFailed 表示重新启动未能产生进程
	SpawnFailed bool
}

// Decide applies the policy to one exit. stopRequested must be read under the
// same lock that serializes the exit transition.
// Decide 对一次退出应用策略。stopRequested 必须在串行化退出转换的同一把锁下读取。
func Decide(p Policy, exit Exit, stopRequested bool, restarts int) Decision {
	if stopRequested {
		return DecisionStop
	}
	if !exit.SpawnFailed && !exit.Signaled && slices.Contains(p.StopExitCodes, exit.Code) {
		return DecisionStop
	}
	if !p.AutoRestart {
		return DecisionStop
	}
	if restarts < p.MaxRestarts {
		return DecisionRestart
	}
	return DecisionFail
}
