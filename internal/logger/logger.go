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

// Package logger builds the daemon's zap logger and exposes context-aware helpers.
// logger 包构建守护进程的 zap 日志器并提供带上下文的日志方法。
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.RWMutex
	base   = zap.NewNop()
	sugar  = otelzap.New(base).Sugar()
	closer func() error
)

// New builds a zap logger from the log section. It does not install it globally.
// New 根据日志配置构建 zap 日志器，不会设置为全局日志器。
func New(cfg config.LogConfig) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var (
		syncers []zapcore.WriteSyncer
		rotator *lumberjack.Logger
	)
	if cfg.Output == "" || cfg.Output == "stdout" || cfg.Output == "both" {
		syncers = append(syncers, zapcore.Lock(os.Stdout))
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		syncers = append(syncers, zapcore.AddSync(rotator))
	}
	if len(syncers) == 0 {
		return nil, nil, fmt.Errorf("invalid log output %q", cfg.Output)
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(syncers...), level)
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	closeFn := func() error {
		_ = l.Sync()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return l, closeFn, nil
}

// Init builds the logger and installs it as the package and zap global logger.
// Init 构建日志器并将其设置为包级与 zap 全局日志器。
func Init(cfg config.LogConfig) (*zap.Logger, error) {
	l, closeFn, err := New(cfg)
	if err != nil {
		return nil, err
	}
	Set(l)
	mu.Lock()
	closer = closeFn
	mu.Unlock()
	return l, nil
}

// Set replaces the global logger.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugar = otelzap.New(l).Sugar()
	zap.ReplaceGlobals(l)
}

// L returns the global logger
// L 返回全局日志器
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Close flushes buffered entries and closes the rotating file.
func Close() error {
	mu.Lock()
	fn := closer
	closer = nil
	mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn()
}

func s() *otelzap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// DebugF logs at debug level with the trace of ctx attached.
func DebugF(ctx context.Context, format string, args ...any) {
	s().DebugfContext(ctx, format, args...)
}

// InfoF logs at info level with the trace of ctx attached.
// InfoF 以 info 级别记录日志，并附带 ctx 中的追踪信息。
func InfoF(ctx context.Context, format string, args ...any) {
	s().InfofContext(ctx, format, args...)
}

// WarnF logs at warn level with the trace of ctx attached.
func WarnF(ctx context.Context, format string, args ...any) {
	s().WarnfContext(ctx, format, args...)
}

// ErrorF logs at error level with the trace of ctx attached.
func ErrorF(ctx context.Context, format string, args ...any) {
	s().ErrorfContext(ctx, format, args...)
}
