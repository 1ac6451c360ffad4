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
	"errors"
	"fmt"

	"github.com/seatunnel/stx-supervisor/internal/process"
)

// Common errors for supervisor operations
// 监管者操作的常见错误
var (
	// ErrNotFound indicates no process is declared under the name
	// ErrNotFound 表示该名称下没有声明的进程
	ErrNotFound = errors.New("process not found")

	// ErrDuplicateName indicates a live instance already owns the name
	// ErrDuplicateName 表示已有存活实例占用该名称
	ErrDuplicateName = errors.New("duplicate process name")

	// ErrAlreadyRunning indicates the instance is already launched
	// ErrAlreadyRunning 表示实例已经启动
	ErrAlreadyRunning = errors.New("process is already running")

	// ErrInvalidHandle indicates a zero or foreign handle
	// ErrInvalidHandle 表示空的或无效的句柄
	ErrInvalidHandle = errors.New("invalid process handle")

	// ErrSupervisorShutdown indicates the supervisor no longer accepts work
	// ErrSupervisorShutdown 表示监管者已不再接受新的任务
	ErrSupervisorShutdown = errors.New("supervisor is shut down")
)

// ConfigError rejects a process declaration before anything is spawned. It is never retried.
// ConfigError 在任何进程启动之前拒绝进程声明，永不重试。
type ConfigError struct {
	Name   string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "invalid configuration"
	if e.Name != "" {
		msg += " for " + e.Name
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SpawnError reports that the OS refused to create the child.
// SpawnError 表示操作系统拒绝创建子进程。
type SpawnError struct {
	Name string
	// Attempt is 0 for the initial start and the restart number otherwise
	// Attempt 为 0 表示首次启动，否则为重启序号
	Attempt int
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Attempt == 0 {
		return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("spawn %s (restart %d): %v", e.Name, e.Attempt, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// RuntimeExitError describes an unexpected child exit. It is only ever
// surfaced through Status, never returned by a control operation.
// RuntimeExitError 描述子进程的意外退出，只通过 Status 暴露，不会由控制操作返回。
type RuntimeExitError struct {
	Name string
	Exit process.ExitInfo
}

func (e *RuntimeExitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Exit.String())
}

// FatalError is an invariant violation that aborts one registration only.
// FatalError 是仅中止单次注册的不变量违规。
type FatalError struct {
	Name string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("supervisor: %s: %v", e.Name, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
