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

// Package main is the entry point of the stx-supervisor daemon and its operator CLI.
// main 包是 stx-supervisor 守护进程及其运维命令行的入口点。
//
// The daemon:
// 守护进程负责：
// - Loads app declarations and keeps the processes running / 加载应用声明并保持进程运行
// - Restarts crashed processes within their restart budget / 在重启预算内重启崩溃的进程
// - Publishes lifecycle events to log, database, Redis and gRPC health / 将生命周期事件发布到日志、数据库、Redis 和 gRPC 健康检查
// - Serves the operator HTTP API / 提供运维 HTTP 接口
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/seatunnel/stx-supervisor/internal/db"
	"github.com/seatunnel/stx-supervisor/internal/db/migrator"
	"github.com/seatunnel/stx-supervisor/internal/logger"
	"github.com/seatunnel/stx-supervisor/internal/otel_trace"
	"github.com/seatunnel/stx-supervisor/internal/router"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// shutdownTimeout bounds stopping every process on exit
const shutdownTimeout = 60 * time.Second

// command line flags / 命令行参数
var (
	configFile     string
	serverAddr     string
	outputFormat   string
	stopTimeout    time.Duration
	requestTimeout time.Duration
	eventLimit     int
)

// rootCmd runs the daemon
// rootCmd 运行守护进程
var rootCmd = &cobra.Command{
	Use:   "stx-supervisor",
	Short: "stx-supervisor - keeps declared processes running",
	Long: `stx-supervisor starts the processes declared in an apps file and keeps them running.
stx-supervisor 启动应用声明文件中的进程并保持其运行。

Crashed processes are restarted with backoff until their restart budget is spent.
崩溃的进程按退避策略重启，直到重启预算耗尽。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// versionCmd shows version information
// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information / 打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "stx-supervisor\n")
		fmt.Fprintf(out, "  Version:    %s\n", Version)
		fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a declared process / 启动已声明的进程",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "start", args[0])
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop a process: stop signal, then kill after the timeout / 停止进程",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "stop", args[0])
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Stop a process and start it again with a fresh restart budget / 重启进程并重置重启预算",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, "restart", args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show process status / 查看进程状态",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		list, err := client.Status(cmd.Context(), name)
		if err != nil {
			return err
		}
		return renderProcesses(cmd.OutOrStdout(), outputFormat, list)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [name]",
	Short: "Show lifecycle history, newest first / 查看生命周期事件历史",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		events, err := client.Events(cmd.Context(), name, eventLimit)
		if err != nil {
			return err
		}
		return renderEvents(cmd.OutOrStdout(), outputFormat, events)
	},
}

// migrateCmd creates or updates the event history schema
// migrateCmd 创建或更新事件历史表结构
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the event history tables / 创建或更新事件历史表",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config / 加载配置失败: %w", err)
		}
		if !cfg.Database.Enabled {
			fmt.Fprintln(cmd.OutOrStdout(), "database is disabled, nothing to migrate / 数据库未启用，无需迁移")
			return nil
		}
		database, typ, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if sqlDB, err := database.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()
		if err := migrator.Migrate(cmd.Context(), database); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s database / %s 数据库迁移完成\n", typ, typ)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: config.yaml)")

	for _, c := range []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd, eventsCmd} {
		c.Flags().StringVar(&serverAddr, "addr", "", "daemon address (default: server.addr from the config)")
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json, yaml")
		c.Flags().DurationVar(&requestTimeout, "request-timeout", 90*time.Second, "HTTP request timeout")
	}
	for _, c := range []*cobra.Command{stopCmd, restartCmd} {
		c.Flags().DurationVarP(&stopTimeout, "timeout", "t", 0, "grace period before SIGKILL (default: the app's kill_timeout)")
	}
	eventsCmd.Flags().IntVarP(&eventLimit, "limit", "n", 50, "maximum number of events")

	rootCmd.AddCommand(versionCmd, migrateCmd, startCmd, stopCmd, restartCmd, statusCmd, eventsCmd)
}

// newClient builds a client from --addr, falling back to the config file.
func newClient() (*Client, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	addr := serverAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	return NewClient(addr, cfg.Server.APIPrefix, requestTimeout), nil
}

func runAction(cmd *cobra.Command, action, name string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	info, err := client.Action(cmd.Context(), action, name, stopTimeout)
	if info != nil {
		if renderErr := renderProcesses(cmd.OutOrStdout(), outputFormat, []*router.ProcessInfo{info}); renderErr != nil && err == nil {
			err = renderErr
		}
	}
	return err
}

// runDaemon is the main entry point of the daemon
// runDaemon 是守护进程的主入口点
func runDaemon(cmd *cobra.Command, args []string) error {
	// Load configuration / 加载配置
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config / 加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config / 无效配置: %w", err)
	}

	l, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger / 初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Close() }()

	l.Info("stx-supervisor starting",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("build_time", BuildTime),
		zap.String("addr", cfg.Server.Addr),
		zap.String("apps_file", cfg.Supervisor.AppsFile),
	)

	// Setup signal handling for graceful shutdown
	// 设置信号处理以实现优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	otel_trace.Init(ctx, otel_trace.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, l)

	daemon := NewDaemon(cfg, l)
	runErr := daemon.Run(ctx)
	if runErr != nil {
		l.Error("daemon stopped with error", zap.Error(runErr))
	} else {
		l.Info("received shutdown signal, stopping processes")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		l.Error("shutdown finished with errors", zap.Error(err))
	}
	if err := otel_trace.Shutdown(shutdownCtx); err != nil {
		l.Warn("failed to shut down tracer", zap.Error(err))
	}
	return runErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
