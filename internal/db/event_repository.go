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

package db

import (
	"context"
	"errors"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"gorm.io/gorm"
)

// ErrEventNotFound indicates no event has the requested id
// ErrEventNotFound 表示没有该 ID 的事件
var ErrEventNotFound = errors.New("event not found")

// DefaultEventPageSize is used when a filter asks for no limit
// DefaultEventPageSize 在过滤条件未指定数量时使用
const DefaultEventPageSize = 100

// EventFilter selects lifecycle events.
// EventFilter 选择生命周期事件。
type EventFilter struct {
	Name       string
	InstanceID string
	Type       monitor.EventType
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// EventRepository persists lifecycle events and also serves as a monitor sink.
// EventRepository 持久化生命周期事件，同时作为监控事件的接收端。
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a repository over db.
// NewEventRepository 基于 db 创建仓库。
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Name implements monitor.Sink.
func (r *EventRepository) Name() string { return "database" }

// Send implements monitor.Sink by inserting the batch in one statement.
// Send 以单条语句插入整批事件，实现 monitor.Sink。
func (r *EventRepository) Send(ctx context.Context, events []*monitor.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(events, DefaultEventPageSize).Error
}

// GetEvent retrieves one event by id.
// GetEvent 根据 ID 获取事件。
func (r *EventRepository) GetEvent(ctx context.Context, id string) (*monitor.Event, error) {
	var event monitor.Event
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

// ListEvents retrieves events with filtering and pagination, newest first.
// ListEvents 获取带过滤和分页的事件列表，按时间倒序。
func (r *EventRepository) ListEvents(ctx context.Context, filter *EventFilter) ([]*monitor.Event, int64, error) {
	if filter == nil {
		filter = &EventFilter{}
	}
	var (
		events []*monitor.Event
		total  int64
	)

	query := r.db.WithContext(ctx).Model(&monitor.Event{})

	// Apply filters / 应用过滤条件
	if filter.Name != "" {
		query = query.Where("name = ?", filter.Name)
	}
	if filter.InstanceID != "" {
		query = query.Where("instance_id = ?", filter.InstanceID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = DefaultEventPageSize
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	query = query.Offset((page - 1) * pageSize).Limit(pageSize)

	if err := query.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// DeleteEventsBefore removes events older than before and returns how many were removed.
// DeleteEventsBefore 删除早于 before 的事件并返回删除数量。
func (r *EventRepository) DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&monitor.Event{})
	return result.RowsAffected, result.Error
}
