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

package supervisor

import (
	"time"

	"github.com/seatunnel/stx-supervisor/internal/process"
)

// State is the lifecycle state of a process instance
// State 是进程实例的生命周期状态
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateRestarting State = "restarting"

	// StateStopped and StateFailed are terminal; only a new Start leaves them
	// StateStopped 与 StateFailed 为终态，只有重新 Start 才能离开
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// Status is an immutable snapshot of one instance
// Status 是单个实例的不可变快照
type Status struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	State       State  `json:"state"`
	PID         int    `json:"pid,omitempty"`
	Restarts    int    `json:"restarts"`
	MaxRestarts int    `json:"max_restarts"`
	Spawns      int    `json:"spawns"`

	// BudgetExhausted is set when the instance failed because max_restarts was reached
	// BudgetExhausted 表示实例因达到 max_restarts 而失败
	BudgetExhausted bool `json:"budget_exhausted"`

	LastExit  *process.ExitInfo `json:"last_exit,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	ExitedAt  time.Time         `json:"exited_at"`
}

// ExitError returns the last unexpected exit, or nil.
// ExitError 返回最后一次意外退出，没有则返回 nil。
func (s Status) ExitError() error {
	if s.LastExit == nil || (!s.LastExit.Signaled && s.LastExit.Code == 0) {
		return nil
	}
	return &RuntimeExitError{Name: s.Name, Exit: *s.LastExit}
}

// Uptime is how long the current child has been running.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.State != StateRunning || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Handle references one registration of a process
// Handle 引用进程的一次注册
type Handle struct {
	inst *instance
}

// IsZero reports whether the handle references nothing.
func (h Handle) IsZero() bool { return h.inst == nil }

// Name returns the process name.
func (h Handle) Name() string {
	if h.inst == nil {
		return ""
	}
	return h.inst.spec.Name
}

// ID returns the registration id; a re-registration gets a new one.
// ID 返回注册 ID，重新注册会得到新的 ID。
func (h Handle) ID() string {
	if h.inst == nil {
		return ""
	}
	return h.inst.id
}

// Done is closed once the instance reaches a terminal state.
// Done 在实例进入终态后关闭。
func (h Handle) Done() <-chan struct{} {
	if h.inst == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return h.inst.done
}
