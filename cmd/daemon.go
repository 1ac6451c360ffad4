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

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/seatunnel/stx-supervisor/internal/db"
	"github.com/seatunnel/stx-supervisor/internal/db/migrator"
	stxgrpc "github.com/seatunnel/stx-supervisor/internal/grpc"
	"github.com/seatunnel/stx-supervisor/internal/logger"
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/router"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
	"github.com/seatunnel/stx-supervisor/internal/watch"
	"go.uber.org/zap"
)

// retentionInterval is how often expired events are pruned
const retentionInterval = time.Hour

// Daemon wires the supervisor to its event sinks and operator surfaces
// Daemon 将监管者与事件输出及运维接口连接起来
type Daemon struct {
	// config holds the daemon configuration
	// config 保存守护进程配置
	config *config.Config

	logger *zap.Logger

	// sup owns every supervised process
	// sup 拥有所有受监管进程
	sup *supervisor.Supervisor

	// reporters batch events into the database, redis and log sinks
	// reporters 将事件批量写入数据库、Redis 和日志
	reporters []*monitor.EventReporter

	redisClient redis.UniversalClient
	grpcServer  *stxgrpc.Server
	events      *db.EventRepository
	watchers    *watch.Group

	// bg tracks background loops such as event retention
	// bg 跟踪事件保留等后台循环
	bg       sync.WaitGroup
	bgCancel context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewDaemon creates a Daemon. Nothing is opened until Run.
// NewDaemon 创建 Daemon，Run 之前不会打开任何资源。
func NewDaemon(cfg *config.Config, l *zap.Logger) *Daemon {
	if l == nil {
		l = zap.NewNop()
	}
	return &Daemon{config: cfg, logger: l}
}

// Supervisor returns the supervisor, nil before Run.
func (d *Daemon) Supervisor() *supervisor.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Run opens every sink, boots the declared apps and serves the HTTP API until
// ctx is cancelled. Shutdown must be called afterwards.
// Run 打开所有事件输出，启动声明的应用并提供 HTTP 接口，直到 ctx 取消。之后必须调用 Shutdown。
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running / 守护进程已在运行")
	}
	d.running = true
	d.mu.Unlock()

	cfg := d.config

	// Step 1: event sinks / 步骤 1：事件输出
	reporter, err := d.initReporters(ctx)
	if err != nil {
		return err
	}

	// background loops outlive a failed Run until Shutdown cancels them
	bgCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.bgCancel = cancel
	d.mu.Unlock()

	if d.events != nil {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			migrator.RunRetention(bgCtx, d.events, cfg.Supervisor.EventRetention, retentionInterval)
		}()
	}

	// Step 2: supervisor / 步骤 2：监管者
	sup := supervisor.New(
		supervisor.WithLogger(d.logger.Named("supervisor")),
		supervisor.WithReporter(reporter),
		supervisor.WithKillTimeout(cfg.Supervisor.StopTimeout),
	)
	d.mu.Lock()
	d.sup = sup
	d.mu.Unlock()

	// Step 3: declared apps / 步骤 3：声明的应用
	if cfg.Supervisor.AppsFile != "" {
		specs, err := config.LoadApps(cfg.Supervisor.AppsFile)
		if err != nil {
			return fmt.Errorf("failed to load apps / 加载应用声明失败: %w", err)
		}
		if err := sup.Bootstrap(ctx, specs); err != nil {
			// one broken app must not take the others down
			logger.ErrorF(ctx, "[Daemon] 部分应用启动失败: %v", err)
		}

		group, err := watch.ForSpecs(specs, watch.SupervisorRestart(sup), watch.WithLogger(d.logger.Named("watch")))
		if err != nil {
			logger.ErrorF(ctx, "[Daemon] 文件监听启动失败: %v", err)
		} else {
			d.watchers = group
		}
		logger.InfoF(ctx, "[Daemon] 已加载 %d 个应用: %s", len(specs), cfg.Supervisor.AppsFile)
	}

	// Step 4: operator API / 步骤 4：运维接口
	engine := router.New(router.Options{
		AppName:   cfg.Server.AppName,
		APIPrefix: cfg.Server.APIPrefix,
		Release:   !cfg.IsDevelopment(),
	}, router.NewHandler(sup, d.eventStore()))

	return router.Serve(ctx, cfg.Server.Addr, engine)
}

// initReporters opens the configured sinks and returns one Reporter over all of them.
// initReporters 打开配置的事件输出并返回汇总所有输出的 Reporter。
func (d *Daemon) initReporters(ctx context.Context) (monitor.Reporter, error) {
	cfg := d.config
	var fanout monitor.Fanout

	// the log sink is always on
	fanout = append(fanout, d.newReporter(monitor.NewLogSink(d.logger.Named("events"))))

	if cfg.Database.Enabled {
		if err := db.InitDatabase(cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to init database / 初始化数据库失败: %w", err)
		}
		repo := db.NewEventRepository(db.GetDB(ctx))
		d.events = repo
		fanout = append(fanout, d.newReporter(repo))
	}

	client, err := db.InitRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to init redis / 初始化 Redis 失败: %w", err)
	}
	if client != nil {
		d.redisClient = client
		sink, err := monitor.NewRedisSink(client, cfg.Redis.Channel)
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, d.newReporter(sink))
	}

	if cfg.GRPC.Enabled {
		srv := stxgrpc.NewServer(&stxgrpc.ServerConfig{
			Port:       cfg.GRPC.Port,
			TLSEnabled: cfg.GRPC.TLSEnabled,
			CertFile:   cfg.GRPC.CertFile,
			KeyFile:    cfg.GRPC.KeyFile,
			CAFile:     cfg.GRPC.CAFile,
		}, d.logger.Named("grpc"))
		if err := srv.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start grpc server / 启动 gRPC 服务失败: %w", err)
		}
		d.grpcServer = srv
		// health status must not lag behind a batch interval
		fanout = append(fanout, srv)
	}

	return fanout, nil
}

// eventStore keeps a nil repository from becoming a non-nil interface.
func (d *Daemon) eventStore() router.EventStore {
	if d.events == nil {
		return nil
	}
	return d.events
}

func (d *Daemon) newReporter(sink monitor.Sink) *monitor.EventReporter {
	sc := d.config.Supervisor
	r := monitor.NewEventReporter(sink, d.logger.Named("reporter"))
	r.SetCacheSize(sc.EventCacheSize)
	r.SetBatchSize(sc.EventBatchSize)
	r.SetFlushInterval(sc.EventFlushInterval)
	r.Start()
	d.reporters = append(d.reporters, r)
	return r
}

// Shutdown stops every process, flushes pending events and closes every sink.
// Shutdown 停止所有进程，刷新待发送事件并关闭所有事件输出。
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	sup := d.sup
	cancelBG := d.bgCancel
	d.mu.Unlock()

	if cancelBG != nil {
		cancelBG()
	}

	var errs []error

	if d.watchers != nil {
		errs = append(errs, d.watchers.Close())
	}

	if sup != nil {
		if err := sup.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
		}
	}

	// Stop does a final flush; retry once for whatever it left behind
	for _, r := range d.reporters {
		r.Stop()
		if n := r.GetCachedEventCount(); n > 0 {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := r.FlushEvents(flushCtx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
	}

	bgDone := make(chan struct{})
	go func() {
		d.bg.Wait()
		close(bgDone)
	}()
	select {
	case <-bgDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
	}

	if d.grpcServer != nil {
		d.grpcServer.Stop()
	}
	if d.redisClient != nil {
		errs = append(errs, d.redisClient.Close())
	}
	if db.IsDatabaseInitialized() {
		errs = append(errs, db.CloseDatabase())
	}
	return errors.Join(errs...)
}
