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

// Package monitor carries lifecycle events of supervised processes to their sinks.
// monitor 包将受监管进程的生命周期事件传递给各个接收端。
//
// This package provides:
// 此包提供：
// - Lifecycle event model / 生命周期事件模型
// - Event reporter with bounded cache and batch delivery / 带有界缓存和批量投递的事件上报器
// - Log and Redis pub/sub sinks / 日志与 Redis 发布订阅接收端
package monitor

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lifecycle event.
// EventType 表示生命周期事件类型。
type EventType string

const (
	// EventRegistered indicates an instance was registered
	// EventRegistered 表示实例已注册
	EventRegistered EventType = "registered"

	// EventSpawned indicates a child was spawned
	// EventSpawned 表示子进程已启动
	EventSpawned EventType = "spawned"

	// EventSpawnFailed indicates a spawn attempt failed
	// EventSpawnFailed 表示启动尝试失败
	EventSpawnFailed EventType = "spawn_failed"

	// EventExited indicates a child exited, for any reason
	// EventExited 表示子进程已退出（任意原因）
	EventExited EventType = "exited"

	// EventRestarting indicates a restart was scheduled
	// EventRestarting 表示已安排重启
	EventRestarting EventType = "restarting"

	// EventStopping indicates a stop was requested
	// EventStopping 表示已请求停止
	EventStopping EventType = "stopping"

	// EventStopped indicates the instance reached Stopped
	// EventStopped 表示实例进入 Stopped
	EventStopped EventType = "stopped"

	// EventFailed indicates the restart budget was exhausted
	// EventFailed 表示重启预算已耗尽
	EventFailed EventType = "failed"
)

// Event is one lifecycle event of a supervised process.
// Event 是受监管进程的一个生命周期事件。
type Event struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	Type       EventType `json:"type" gorm:"size:30;index"`
	Name       string    `json:"name" gorm:"size:100;index"`
	InstanceID string    `json:"instance_id" gorm:"size:36;index"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty" gorm:"size:20"`
	Restarts   int       `json:"restarts"`
	Message    string    `json:"message,omitempty" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name for Event.
// TableName 指定 Event 的表名。
func (Event) TableName() string {
	return "process_events"
}

// NewEvent creates an event stamped with a fresh id and the current time.
// NewEvent 创建带有新 ID 和当前时间的事件。
func NewEvent(typ EventType, name, instanceID string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Name:       name,
		InstanceID: instanceID,
		CreatedAt:  time.Now(),
	}
}
