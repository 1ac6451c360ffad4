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

package process

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation values for child output files
// 子进程输出文件的默认轮转配置
const (
	DefaultOutputMaxSize    = 100 // MB
	DefaultOutputMaxBackups = 5
	DefaultOutputMaxAge     = 14 // days
)

// OutputConfig selects where a child's stdout and stderr go
// OutputConfig 选择子进程标准输出和标准错误的去向
type OutputConfig struct {
	OutFile    string
	ErrorFile  string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Outputs holds the writers of one supervised app across respawns
// Outputs 持有一个受监管应用在多次重启间共用的写入器
type Outputs struct {
	Stdout io.Writer
	Stderr io.Writer
	files  []*lumberjack.Logger
}

// OpenOutputs builds rotating writers for the configured files.
// An empty path inherits the supervisor's own stream.
// OpenOutputs 为配置的文件构建轮转写入器，路径为空时继承监管者自身的输出流。
func OpenOutputs(cfg OutputConfig) (*Outputs, error) {
	out := &Outputs{Stdout: os.Stdout, Stderr: os.Stderr}

	if cfg.OutFile != "" {
		w, err := out.open(cfg, cfg.OutFile)
		if err != nil {
			return nil, err
		}
		out.Stdout = w
	}

	switch {
	case cfg.ErrorFile == "":
	case cfg.ErrorFile == cfg.OutFile:
		out.Stderr = out.Stdout
	default:
		w, err := out.open(cfg, cfg.ErrorFile)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out.Stderr = w
	}
	return out, nil
}

func (o *Outputs) open(cfg OutputConfig, path string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(cfg.MaxSize, DefaultOutputMaxSize),
		MaxBackups: orDefault(cfg.MaxBackups, DefaultOutputMaxBackups),
		MaxAge:     orDefault(cfg.MaxAge, DefaultOutputMaxAge),
		Compress:   cfg.Compress,
	}
	o.files = append(o.files, l)
	return l, nil
}

// Close closes every file opened by OpenOutputs.
func (o *Outputs) Close() error {
	var firstErr error
	for _, f := range o.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.files = nil
	return firstErr
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
