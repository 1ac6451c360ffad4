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

package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seatunnel/stx-supervisor/internal/db"
	"github.com/seatunnel/stx-supervisor/internal/logger"
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
)

// ErrEventsDisabled indicates no event history store is configured
// ErrEventsDisabled 表示未配置事件历史存储
var ErrEventsDisabled = errors.New("event history is disabled / 事件历史未启用")

// EventStore lists persisted lifecycle events
// EventStore 查询已持久化的生命周期事件
type EventStore interface {
	ListEvents(ctx context.Context, filter *db.EventFilter) ([]*monitor.Event, int64, error)
}

// Handler provides HTTP handlers over a supervisor.
// Handler 提供基于监管者的 HTTP 处理器。
type Handler struct {
	sup    *supervisor.Supervisor
	events EventStore
}

// NewHandler creates a Handler. events may be nil when the database is disabled.
// NewHandler 创建 Handler，数据库未启用时 events 可为 nil。
func NewHandler(sup *supervisor.Supervisor, events EventStore) *Handler {
	return &Handler{sup: sup, events: events}
}

// ==================== Request/Response Types 请求/响应类型 ====================

// ProcessInfo is the API view of one process.
// ProcessInfo 是单个进程的接口视图。
type ProcessInfo struct {
	supervisor.Status
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func toProcessInfo(st supervisor.Status) *ProcessInfo {
	return &ProcessInfo{Status: st, UptimeSeconds: int64(st.Uptime(time.Now()).Seconds())}
}

// ProcessResponse 单个进程的响应
type ProcessResponse struct {
	ErrorMsg string       `json:"error_msg"`
	Data     *ProcessInfo `json:"data"`
}

// ListProcessesResponse 进程列表的响应
type ListProcessesResponse struct {
	ErrorMsg string         `json:"error_msg"`
	Data     []*ProcessInfo `json:"data"`
}

// ListEventsRequest 事件查询参数
type ListEventsRequest struct {
	Name     string `form:"name"`
	Type     string `form:"type"`
	Current  int    `form:"current" binding:"omitempty,min=1"`
	Size     int    `form:"size" binding:"omitempty,min=1,max=1000"`
	Limit    int    `form:"limit" binding:"omitempty,min=1,max=1000"`
	Instance string `form:"instance_id"`
}

// ListEventsResponse 事件列表的响应
type ListEventsResponse struct {
	ErrorMsg string `json:"error_msg"`
	Data     *struct {
		Total  int64            `json:"total"`
		Events []*monitor.Event `json:"events"`
	} `json:"data"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	ErrorMsg string `json:"error_msg"`
	Data     *struct {
		Status    string `json:"status"`
		Processes int    `json:"processes"`
		Running   int    `json:"running"`
	} `json:"data"`
}

// ==================== Handlers 处理器 ====================

// Health handles GET /api/v1/health.
func (h *Handler) Health(c *gin.Context) {
	list := h.sup.List()
	resp := HealthResponse{Data: &struct {
		Status    string `json:"status"`
		Processes int    `json:"processes"`
		Running   int    `json:"running"`
	}{Status: "ok", Processes: len(list)}}
	for _, st := range list {
		if st.State == supervisor.StateRunning {
			resp.Data.Running++
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListProcesses handles GET /api/v1/processes - status of every process.
// ListProcesses 处理 GET /api/v1/processes - 获取所有进程状态。
func (h *Handler) ListProcesses(c *gin.Context) {
	list := h.sup.List()
	data := make([]*ProcessInfo, 0, len(list))
	for _, st := range list {
		data = append(data, toProcessInfo(st))
	}
	c.JSON(http.StatusOK, ListProcessesResponse{Data: data})
}

// GetProcess handles GET /api/v1/processes/:name.
// GetProcess 处理 GET /api/v1/processes/:name - 获取单个进程状态。
func (h *Handler) GetProcess(c *gin.Context) {
	st, err := h.sup.StatusByName(c.Param("name"))
	if err != nil {
		c.JSON(getStatusCodeForError(err), ProcessResponse{ErrorMsg: err.Error()})
		return
	}
	c.JSON(http.StatusOK, ProcessResponse{Data: toProcessInfo(st)})
}

// StartProcess handles POST /api/v1/processes/:name/start.
// StartProcess 处理 POST /api/v1/processes/:name/start - 启动进程。
func (h *Handler) StartProcess(c *gin.Context) {
	name := c.Param("name")
	handle, err := h.sup.StartByName(c.Request.Context(), name)
	if err != nil {
		resp := ProcessResponse{ErrorMsg: err.Error()}
		if !handle.IsZero() {
			resp.Data = toProcessInfo(h.sup.Status(handle))
		}
		logger.WarnF(c.Request.Context(), "[Process] 启动进程失败: %s: %v", name, err)
		c.JSON(getStatusCodeForError(err), resp)
		return
	}

	logger.InfoF(c.Request.Context(), "[Process] 启动进程成功: %s (pid: %d)", name, h.sup.Status(handle).PID)
	c.JSON(http.StatusOK, ProcessResponse{Data: toProcessInfo(h.sup.Status(handle))})
}

// StopProcess handles POST /api/v1/processes/:name/stop?timeout=10s.
// StopProcess 处理 POST /api/v1/processes/:name/stop - 停止进程。
func (h *Handler) StopProcess(c *gin.Context) {
	name := c.Param("name")
	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ProcessResponse{ErrorMsg: err.Error()})
		return
	}

	handle, err := h.sup.StopByName(name, timeout)
	if err != nil {
		c.JSON(getStatusCodeForError(err), ProcessResponse{ErrorMsg: err.Error()})
		return
	}

	logger.InfoF(c.Request.Context(), "[Process] 停止进程成功: %s", name)
	c.JSON(http.StatusOK, ProcessResponse{Data: toProcessInfo(h.sup.Status(handle))})
}

// RestartProcess handles POST /api/v1/processes/:name/restart?timeout=10s.
// RestartProcess 处理 POST /api/v1/processes/:name/restart - 重启进程。
func (h *Handler) RestartProcess(c *gin.Context) {
	name := c.Param("name")
	timeout, err := parseTimeout(c.Query("timeout"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ProcessResponse{ErrorMsg: err.Error()})
		return
	}

	handle, err := h.sup.Restart(c.Request.Context(), name, timeout)
	if err != nil {
		resp := ProcessResponse{ErrorMsg: err.Error()}
		if !handle.IsZero() {
			resp.Data = toProcessInfo(h.sup.Status(handle))
		}
		c.JSON(getStatusCodeForError(err), resp)
		return
	}

	logger.InfoF(c.Request.Context(), "[Process] 重启进程成功: %s", name)
	c.JSON(http.StatusOK, ProcessResponse{Data: toProcessInfo(h.sup.Status(handle))})
}

// ListEvents handles GET /api/v1/events - lifecycle history, newest first.
// ListEvents 处理 GET /api/v1/events - 查询生命周期事件历史（按时间倒序）。
func (h *Handler) ListEvents(c *gin.Context) {
	if h.events == nil {
		c.JSON(getStatusCodeForError(ErrEventsDisabled), ListEventsResponse{ErrorMsg: ErrEventsDisabled.Error()})
		return
	}

	req := &ListEventsRequest{Current: 1}
	if err := c.ShouldBindQuery(req); err != nil {
		c.JSON(http.StatusBadRequest, ListEventsResponse{ErrorMsg: err.Error()})
		return
	}
	size := req.Size
	if size == 0 {
		size = req.Limit
	}

	events, total, err := h.events.ListEvents(c.Request.Context(), &db.EventFilter{
		Name:       req.Name,
		InstanceID: req.Instance,
		Type:       monitor.EventType(req.Type),
		Page:       req.Current,
		PageSize:   size,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ListEventsResponse{ErrorMsg: err.Error()})
		return
	}

	resp := ListEventsResponse{Data: &struct {
		Total  int64            `json:"total"`
		Events []*monitor.Event `json:"events"`
	}{Total: total, Events: events}}
	c.JSON(http.StatusOK, resp)
}

// parseTimeout accepts a Go duration ("10s") or plain seconds ("10"). Empty means default.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, errors.New("timeout must be >= 0")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.New("invalid timeout / 无效的超时时间: " + raw)
	}
	return d, nil
}

// getStatusCodeForError 根据错误类型返回 HTTP 状态码
func getStatusCodeForError(err error) int {
	var (
		spawnErr  *supervisor.SpawnError
		configErr *supervisor.ConfigError
		fatalErr  *supervisor.FatalError
	)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &spawnErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &configErr):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrInvalidHandle),
		errors.Is(err, supervisor.ErrSupervisorShutdown),
		errors.As(err, &fatalErr):
		return http.StatusConflict
	case errors.Is(err, ErrEventsDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
