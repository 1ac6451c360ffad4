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

// Package router 提供 HTTP 路由配置
// Package router provides the operator HTTP API
package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seatunnel/stx-supervisor/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Options configures the HTTP engine
// Options 配置 HTTP 引擎
type Options struct {
	AppName   string
	APIPrefix string
	Release   bool
}

// New builds the gin engine with every operator route registered.
// New 构建注册了所有运维接口的 gin 引擎。
func New(opts Options, h *Handler) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.AppName), loggerMiddleware())

	apiGroup := r.Group(opts.APIPrefix)
	{
		// API V1
		apiV1Router := apiGroup.Group("/v1")
		{
			apiV1Router.GET("/health", h.Health)

			// Process 进程管理
			processRouter := apiV1Router.Group("/processes")
			{
				processRouter.GET("", h.ListProcesses)
				processRouter.GET("/:name", h.GetProcess)
				processRouter.POST("/:name/start", h.StartProcess)
				processRouter.POST("/:name/stop", h.StopProcess)
				processRouter.POST("/:name/restart", h.RestartProcess)
			}

			// Event 生命周期事件
			apiV1Router.GET("/events", h.ListEvents)
		}
	}
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down gracefully.
// Serve 运行 HTTP 服务直到 ctx 取消，然后优雅关闭。
func Serve(ctx context.Context, addr string, engine http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoF(ctx, "[API] HTTP 服务启动: %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.InfoF(ctx, "[API] HTTP 服务已停止")
	return nil
}

// loggerMiddleware 记录每个请求，日志携带请求的追踪信息
func loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		ctx := c.Request.Context()
		latency := time.Since(start)
		status := c.Writer.Status()
		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorF(ctx, "[API] %s %s %d %s %s", c.Request.Method, c.Request.URL.Path, status, latency, c.Errors.String())
		case status >= http.StatusBadRequest:
			logger.WarnF(ctx, "[API] %s %s %d %s", c.Request.Method, c.Request.URL.Path, status, latency)
		default:
			logger.DebugF(ctx, "[API] %s %s %d %s", c.Request.Method, c.Request.URL.Path, status, latency)
		}
	}
}
