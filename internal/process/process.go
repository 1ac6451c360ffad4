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

// Package process provides the OS-level primitives used to run a supervised child.
// process 包提供运行受监管子进程所需的操作系统级原语。
//
// This package provides:
// 此包提供：
// - Command resolution and validation / 命令解析与校验
// - Spawning in a dedicated process group / 在独立进程组中启动
// - A blocking wait worker reporting exits over a channel / 通过通道上报退出的阻塞等待工作者
// - Signal delivery to the whole process group / 向整个进程组发送信号
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Common errors for spawning
// 启动进程的常见错误
var (
	// ErrEmptyCommand indicates the command has no executable
	// ErrEmptyCommand 表示命令没有可执行文件
	ErrEmptyCommand = errors.New("command is empty")

	// ErrExecutableNotFound indicates the executable could not be located
	// ErrExecutableNotFound 表示找不到可执行文件
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrInvalidWorkingDir indicates the working directory is missing or not a directory
	// ErrInvalidWorkingDir 表示工作目录不存在或不是目录
	ErrInvalidWorkingDir = errors.New("invalid working directory")

	// ErrNotStarted indicates the child has no running OS process
	// ErrNotStarted 表示子进程没有运行中的系统进程
	ErrNotStarted = errors.New("process not started")
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the child exits.
// DefaultWaitDelay 限制子进程退出后 Wait 继续复制输出的时间。
const DefaultWaitDelay = 2 * time.Second

// Command describes how to launch one child process
// Command 描述如何启动一个子进程
type Command struct {
	// Argv is the executable followed by its arguments
	// Argv 是可执行文件及其参数
	Argv []string

	// Dir is the working directory of the child
	// Dir 是子进程的工作目录
	Dir string

	// Env is merged over the supervisor's own environment
	// Env 合并覆盖到监管者自身的环境变量之上
	Env map[string]string

	Stdout io.Writer
	Stderr io.Writer
}

// ExitInfo describes how a child terminated
// ExitInfo 描述子进程如何终止
type ExitInfo struct {
	PID      int       `json:"pid"`
	Code     int       `json:"code"`
	Signal   string    `json:"signal,omitempty"`
	Signaled bool      `json:"signaled"`
	At       time.Time `json:"at"`
	Err      error     `json:"-"`
}

// String renders the exit for logs.
func (e ExitInfo) String() string {
	if e.Signaled {
		return fmt.Sprintf("pid %d killed by %s", e.PID, e.Signal)
	}
	return fmt.Sprintf("pid %d exited with code %d", e.PID, e.Code)
}

// Child is a spawned OS process owned by exactly one wait worker
// Child 是由唯一一个等待工作者拥有的已启动系统进程
type Child struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	waitOnce  sync.Once
}

// PID returns the process id of the child.
func (c *Child) PID() int { return c.pid }

// StartedAt returns when the child was spawned.
func (c *Child) StartedAt() time.Time { return c.startedAt }

// Resolve checks the working directory and locates the executable without starting anything.
// Resolve 检查工作目录并定位可执行文件，不会启动任何进程。
func Resolve(c *Command) (string, error) {
	if c == nil || len(c.Argv) == 0 || strings.TrimSpace(c.Argv[0]) == "" {
		return "", ErrEmptyCommand
	}

	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidWorkingDir, c.Dir, err)
		}
		if !info.IsDir() {
			return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidWorkingDir, c.Dir)
		}
	}

	name := c.Argv[0]
	if strings.ContainsRune(name, filepath.Separator) {
		path := name
		if !filepath.IsAbs(path) && c.Dir != "" {
			path = filepath.Join(c.Dir, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
		}
		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", ErrExecutableNotFound, path)
		}
		return path, nil
	}

	path, err := exec.LookPath(name)
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	if errors.Is(err, exec.ErrDot) {
		if path, err = filepath.Abs(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
		}
	}
	return path, nil
}

// Spawn starts the child in its own process group. It does not wait for it.
// Spawn 在独立进程组中启动子进程，不等待其结束。
func Spawn(c *Command) (*Child, error) {
	path, err := Resolve(c)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, c.Argv[1:]...)
	cmd.Args[0] = c.Argv[0]
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdin = nil
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = DefaultWaitDelay
	setProcGroupAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &Child{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
	}, nil
}

// Wait blocks until the child exits and sends exactly one ExitInfo on exits.
// It must run on its own goroutine; later calls return immediately.
// Wait 阻塞直到子进程退出，并在 exits 上发送且仅发送一次 ExitInfo。
// 必须在独立的 goroutine 中运行；后续调用立即返回。
func (c *Child) Wait(exits chan<- ExitInfo) {
	c.waitOnce.Do(func() {
		err := c.cmd.Wait()
		exits <- exitInfoFrom(c.pid, c.cmd.ProcessState, err)
	})
}

// Signal delivers sig to the child's whole process group.
// Signal 向子进程的整个进程组发送信号。
func (c *Child) Signal(sig syscall.Signal) error {
	if c == nil || c.pid <= 0 {
		return ErrNotStarted
	}
	err := unix.Kill(-c.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group leader may have exited while children linger; fall back to the pid.
		err = unix.Kill(c.pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Kill sends SIGKILL to the child's process group.
// Kill 向子进程的进程组发送 SIGKILL。
func (c *Child) Kill() error {
	return c.Signal(unix.SIGKILL)
}

func exitInfoFrom(pid int, state *os.ProcessState, waitErr error) ExitInfo {
	info := ExitInfo{PID: pid, Code: -1, At: time.Now()}
	if state == nil {
		info.Err = waitErr
		return info
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signaled = true
		info.Signal = unix.SignalName(ws.Signal())
		if info.Signal == "" {
			info.Signal = ws.Signal().String()
		}
		return info
	}
	info.Code = state.ExitCode()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		info.Err = waitErr
	}
	return info
}

// MergeEnv overlays overrides on base. Keys in overrides win; output is stable.
// MergeEnv 将 overrides 覆盖到 base 之上，overrides 中的键优先，输出顺序稳定。
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	order := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}

	extra := make([]string, 0, len(overrides))
	for k := range overrides {
		if _, seen := merged[k]; !seen {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)
	for k, v := range overrides {
		merged[k] = v
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+merged[k])
	}
	return env
}
