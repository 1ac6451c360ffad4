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
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/process"
	"github.com/seatunnel/stx-supervisor/internal/restart"
)

// DefaultKillTimeout is how long Stop waits after the stop signal before killing
// DefaultKillTimeout 是 Stop 在发送停止信号后、强杀之前等待的时间
const DefaultKillTimeout = 5 * time.Second

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ProcessSpec is the immutable declaration of one supervised process.
// ProcessSpec 是单个受监管进程的不可变声明。
type ProcessSpec struct {
	// Name is unique within a supervisor
	// Name 在同一监管者内唯一
	Name string `json:"name"`

	// Command is the executable followed by its arguments
	// Command 是可执行文件及其参数
	Command []string `json:"command"`

	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`

	// Port is informational; it reaches the child as PORT unless the environment sets it
	// Port 仅作说明，除非环境变量已设置，否则以 PORT 传给子进程
	Port int `json:"port,omitempty"`

	Restart restart.Policy `json:"restart"`

	Watch       bool     `json:"watch"`
	IgnoreWatch []string `json:"ignore_watch,omitempty"`

	// Autostart launches the process when the supervisor boots
	// Autostart 在监管者启动时拉起该进程
	Autostart bool `json:"autostart"`

	StopSignal  syscall.Signal `json:"-"`
	KillTimeout time.Duration  `json:"kill_timeout,omitempty"`

	Output process.OutputConfig `json:"-"`
}

// Validate checks the declaration and returns a *ConfigError on the first problem.
// Validate 校验声明，遇到第一个问题时返回 *ConfigError。
func (s *ProcessSpec) Validate() error {
	if s == nil {
		return &ConfigError{Reason: "process spec is nil"}
	}
	if !namePattern.MatchString(s.Name) {
		return &ConfigError{Name: s.Name, Field: "name", Reason: "must match " + namePattern.String()}
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return &ConfigError{Name: s.Name, Field: "command", Reason: "executable is required"}
	}
	for k := range s.Environment {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return &ConfigError{Name: s.Name, Field: "environment", Reason: "invalid key " + strconv.Quote(k)}
		}
	}
	if s.Port < 0 || s.Port > 65535 {
		return &ConfigError{Name: s.Name, Field: "port", Reason: "out of range"}
	}
	if s.KillTimeout < 0 {
		return &ConfigError{Name: s.Name, Field: "kill_timeout", Reason: "must be >= 0"}
	}
	if err := s.Restart.Validate(); err != nil {
		return &ConfigError{Name: s.Name, Field: "restart", Err: err}
	}
	return nil
}

// Environ returns the variables passed to the child on top of the inherited environment.
// Environ 返回在继承环境变量之上传给子进程的变量。
func (s *ProcessSpec) Environ() map[string]string {
	env := maps.Clone(s.Environment)
	if env == nil {
		env = make(map[string]string, 1)
	}
	if s.Port > 0 {
		if _, ok := env["PORT"]; !ok {
			env["PORT"] = strconv.Itoa(s.Port)
		}
	}
	return env
}

// Clone returns a deep copy so callers cannot mutate a registered spec.
// Clone 返回深拷贝，调用方无法修改已注册的声明。
func (s *ProcessSpec) Clone() *ProcessSpec {
	c := *s
	c.Command = slices.Clone(s.Command)
	c.Environment = maps.Clone(s.Environment)
	c.IgnoreWatch = slices.Clone(s.IgnoreWatch)
	c.Restart.StopExitCodes = slices.Clone(s.Restart.StopExitCodes)
	return &c
}

func (s *ProcessSpec) stopSignal() syscall.Signal {
	if s.StopSignal == 0 {
		return syscall.SIGTERM
	}
	return s.StopSignal
}

func (s *ProcessSpec) killTimeout(fallback time.Duration) time.Duration {
	if s.KillTimeout > 0 {
		return s.KillTimeout
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultKillTimeout
}
