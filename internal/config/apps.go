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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/process"
	"github.com/seatunnel/stx-supervisor/internal/restart"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// stringList accepts either a single string, split on whitespace, or a list
// stringList 接受单个字符串（按空白拆分）或字符串列表
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

// intList accepts a single integer or a list of integers
type intList []int

func (l *intList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var v int
		if err := node.Decode(&v); err != nil {
			return err
		}
		*l = []int{v}
		return nil
	}
	var items []int
	if err := node.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// appFile is one entry of the apps list. pm2 style aliases are accepted next
// to the canonical keys; delays and timeouts are in milliseconds.
// appFile 是 apps 列表中的一项。除标准键外也接受 pm2 风格的别名；延迟与超时单位为毫秒。
type appFile struct {
	Name             string            `yaml:"name"`
	Command          stringList        `yaml:"command"`
	Script           string            `yaml:"script"`
	Interpreter      string            `yaml:"interpreter"`
	InterpreterArgs  stringList        `yaml:"interpreter_args"`
	Args             stringList        `yaml:"args"`
	Cwd              string            `yaml:"cwd"`
	WorkingDirectory string            `yaml:"working_directory"`
	Env              map[string]string `yaml:"env"`
	Environment      map[string]string `yaml:"environment"`
	Port             int               `yaml:"port"`

	Watch       bool       `yaml:"watch"`
	IgnoreWatch stringList `yaml:"ignore_watch"`

	Autorestart            *bool   `yaml:"autorestart"`
	MaxRestarts            *int    `yaml:"max_restarts"`
	RestartDelay           int     `yaml:"restart_delay"`
	ExpBackoffRestartDelay int     `yaml:"exp_backoff_restart_delay"`
	StopExitCodes          intList `yaml:"stop_exit_codes"`

	KillTimeout int    `yaml:"kill_timeout"`
	StopSignal  string `yaml:"stop_signal"`
	Autostart   *bool  `yaml:"autostart"`

	OutFile   string `yaml:"out_file"`
	ErrorFile string `yaml:"error_file"`
	LogFile   string `yaml:"log_file"`
}

type appsDocument struct {
	Apps []appFile `yaml:"apps"`
}

// LoadApps reads an app declaration file (YAML, or JSON which parses as YAML)
// and returns validated specs in file order. Relative paths resolve against the
// file's directory; a missing cwd means the file's directory.
// LoadApps 读取应用声明文件（YAML，或可按 YAML 解析的 JSON），按文件顺序返回校验后的声明。
// 相对路径基于文件所在目录解析；未设置 cwd 时使用文件所在目录。
func LoadApps(path string) ([]*supervisor.ProcessSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apps file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve apps file path: %w", err)
	}
	return ParseApps(data, filepath.Dir(abs))
}

// ParseApps decodes an apps document whose relative paths resolve against baseDir.
// ParseApps 解析应用文档，其中的相对路径基于 baseDir 解析。
func ParseApps(data []byte, baseDir string) ([]*supervisor.ProcessSpec, error) {
	var doc appsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &supervisor.ConfigError{Field: "apps", Reason: "cannot decode apps file", Err: err}
	}
	if len(doc.Apps) == 0 {
		return nil, &supervisor.ConfigError{Field: "apps", Reason: "no apps declared"}
	}

	specs := make([]*supervisor.ProcessSpec, 0, len(doc.Apps))
	seen := make(map[string]bool, len(doc.Apps))
	for i := range doc.Apps {
		spec, err := doc.Apps[i].toSpec(baseDir)
		if err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, &supervisor.ConfigError{Name: spec.Name, Field: "name", Reason: "declared more than once"}
		}
		seen[spec.Name] = true
		specs = append(specs, spec)
	}
	return specs, nil
}

func (a *appFile) toSpec(baseDir string) (*supervisor.ProcessSpec, error) {
	name := a.Name
	if name == "" && a.Script != "" {
		name = strings.TrimSuffix(filepath.Base(a.Script), filepath.Ext(a.Script))
	}

	cwd := a.WorkingDirectory
	if cwd == "" {
		cwd = a.Cwd
	}
	cwd = resolvePath(baseDir, cwd)
	if cwd == "" {
		cwd = baseDir
	}

	argv, err := a.argv()
	if err != nil {
		return nil, &supervisor.ConfigError{Name: name, Field: "command", Reason: err.Error()}
	}

	env := make(map[string]string, len(a.Env)+len(a.Environment))
	for k, v := range a.Env {
		env[k] = v
	}
	for k, v := range a.Environment {
		env[k] = v
	}

	policy := restart.DefaultPolicy()
	if a.Autorestart != nil {
		policy.AutoRestart = *a.Autorestart
	}
	if a.MaxRestarts != nil {
		policy.MaxRestarts = *a.MaxRestarts
	}
	switch {
	case a.RestartDelay < 0 || a.ExpBackoffRestartDelay < 0:
		return nil, &supervisor.ConfigError{Name: name, Field: "restart_delay", Reason: "must be >= 0"}
	case a.ExpBackoffRestartDelay > 0:
		policy.Backoff.Initial = time.Duration(a.ExpBackoffRestartDelay) * time.Millisecond
	case a.RestartDelay > 0:
		policy.Backoff = restart.FixedBackoff(time.Duration(a.RestartDelay) * time.Millisecond)
	}
	policy.StopExitCodes = a.StopExitCodes

	var sig syscall.Signal
	if a.StopSignal != "" {
		if sig, err = parseSignal(a.StopSignal); err != nil {
			return nil, &supervisor.ConfigError{Name: name, Field: "stop_signal", Reason: err.Error()}
		}
	}
	if a.KillTimeout < 0 {
		return nil, &supervisor.ConfigError{Name: name, Field: "kill_timeout", Reason: "must be >= 0"}
	}

	autostart := true
	if a.Autostart != nil {
		autostart = *a.Autostart
	}

	out := process.OutputConfig{
		OutFile:   resolvePath(baseDir, a.OutFile),
		ErrorFile: resolvePath(baseDir, a.ErrorFile),
	}
	if a.LogFile != "" {
		out.OutFile = resolvePath(baseDir, a.LogFile)
		out.ErrorFile = out.OutFile
	}

	spec := &supervisor.ProcessSpec{
		Name:             name,
		Command:          argv,
		WorkingDirectory: cwd,
		Environment:      env,
		Port:             a.Port,
		Restart:          policy,
		Watch:            a.Watch,
		IgnoreWatch:      a.IgnoreWatch,
		Autostart:        autostart,
		StopSignal:       sig,
		KillTimeout:      time.Duration(a.KillTimeout) * time.Millisecond,
		Output:           out,
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// argv builds the command line from either command or script + interpreter.
func (a *appFile) argv() ([]string, error) {
	if len(a.Command) > 0 && a.Script != "" {
		return nil, fmt.Errorf("command and script are mutually exclusive")
	}
	if len(a.Command) > 0 {
		return append(append([]string{}, a.Command...), a.Args...), nil
	}
	if a.Script == "" {
		return nil, fmt.Errorf("either command or script is required")
	}

	script := a.Script
	if a.Interpreter == "" || a.Interpreter == "none" {
		// a bare script name runs from the working directory, not from PATH
		if !strings.ContainsRune(script, filepath.Separator) {
			script = "." + string(filepath.Separator) + script
		}
		return append([]string{script}, a.Args...), nil
	}

	argv := []string{a.Interpreter}
	argv = append(argv, a.InterpreterArgs...)
	argv = append(argv, script)
	return append(argv, a.Args...), nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

// parseSignal accepts names with or without the SIG prefix, e.g. SIGINT or INT.
func parseSignal(name string) (syscall.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
