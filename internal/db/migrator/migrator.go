/*
 * MIT License
 *
 * Copyright (c) 2025 linux.do
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package migrator owns the database schema and the retention of event history.
// migrator 包负责数据库表结构以及事件历史的保留策略。
package migrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/logger"
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"gorm.io/gorm"
)

// ErrNoDatabase indicates the connection was not initialized
var ErrNoDatabase = errors.New("数据库连接未初始化 / database is not initialized")

// Models lists every table owned by the daemon
// Models 列出守护进程拥有的所有表
func Models() []any {
	return []any{
		&monitor.Event{}, // 进程事件表 / Process event table
	}
}

// Migrate creates or updates every table in Models.
// Migrate 创建或更新 Models 中的所有表。
func Migrate(ctx context.Context, database *gorm.DB) error {
	if database == nil {
		return ErrNoDatabase
	}

	// 执行数据库表迁移
	if err := database.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("[Database] auto migrate failed: %w", err)
	}
	logger.InfoF(ctx, "[Database] auto migrate success")
	return nil
}

// EventPruner deletes event history older than a cutoff
// EventPruner 删除早于截止时间的事件历史
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Prune deletes events older than retention and returns how many were removed.
// A retention <= 0 keeps everything.
// Prune 删除早于保留时长的事件并返回删除数量，retention <= 0 时全部保留。
func Prune(ctx context.Context, events EventPruner, retention time.Duration) (int64, error) {
	if events == nil {
		return 0, ErrNoDatabase
	}
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-retention)
	n, err := events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("[Database] prune events failed: %w", err)
	}
	if n > 0 {
		logger.InfoF(ctx, "[Database] 已清理 %d 条过期事件（早于 %s）", n, cutoff.Format(time.DateTime))
	}
	return n, nil
}

// RunRetention prunes on every tick until ctx is cancelled.
// RunRetention 在每个周期清理过期事件，直到 ctx 取消。
func RunRetention(ctx context.Context, events EventPruner, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := Prune(ctx, events, retention); err != nil && ctx.Err() == nil {
			logger.WarnF(ctx, "[Database] 清理过期事件失败: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
