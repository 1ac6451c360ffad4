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

// Package db stores the lifecycle event history in a SQL database through gorm.
// db 包通过 gorm 将生命周期事件历史保存到 SQL 数据库。
package db

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/seatunnel/stx-supervisor/internal/db/migrator"
	"github.com/seatunnel/stx-supervisor/internal/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var (
	dbMu     sync.RWMutex
	globalDB *gorm.DB
	dbType   string
)

// Supported values of database.type
const (
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypeMySQL    = "mysql"
	DatabaseTypePostgres = "postgres"
)

// sqlitePragmas let the event reporter and the retention pruner share one file.
const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// InitDatabase opens the configured database, migrates the event table and
// installs it as the process-wide handle. A disabled database is a no-op.
// InitDatabase 打开配置的数据库、迁移事件表并设置为全局实例；数据库禁用时不做任何事。
func InitDatabase(dbConfig config.DatabaseConfig) error {
	ctx := context.Background()
	if !dbConfig.Enabled {
		logger.InfoF(ctx, "[Database] 事件持久化已禁用")
		return nil
	}

	conn, typ, err := Open(dbConfig)
	if err != nil {
		return err
	}
	if err := migrator.Migrate(ctx, conn); err != nil {
		_ = closeConn(conn)
		return err
	}

	dbMu.Lock()
	globalDB, dbType = conn, typ
	dbMu.Unlock()

	logger.InfoF(ctx, "[Database] 事件库就绪 (%s)", typ)
	return nil
}

// Open connects without touching the global handle. It returns the resolved type.
// Open 建立连接但不修改全局实例，并返回解析后的数据库类型。
func Open(dbConfig config.DatabaseConfig) (*gorm.DB, string, error) {
	typ := cmp.Or(dbConfig.Type, DatabaseTypeSQLite)
	dialector, err := dialectorFor(typ, dbConfig)
	if err != nil {
		return nil, "", fmt.Errorf("[Database] %s: %w", typ, err)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormlogger.Default.LogMode(gormLogLevel(dbConfig.LogLevel)),
	})
	if err != nil {
		return nil, "", fmt.Errorf("[Database] 连接 %s 失败: %w", typ, err)
	}
	if err := conn.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		logger.WarnF(context.Background(), "[Database] 追踪插件不可用: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, "", fmt.Errorf("[Database] 获取连接池失败: %w", err)
	}
	applyPool(sqlDB, typ, dbConfig)
	return conn, typ, nil
}

func dialectorFor(typ string, c config.DatabaseConfig) (gorm.Dialector, error) {
	switch typ {
	case DatabaseTypeSQLite:
		path := cmp.Or(c.SQLitePath, config.DefaultSQLitePath)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("prepare sqlite dir: %w", err)
		}
		logger.InfoF(context.Background(), "[Database] SQLite 文件: %s", path)
		return sqlite.Open(path + sqlitePragmas), nil
	case DatabaseTypeMySQL:
		logger.InfoF(context.Background(), "[Database] MySQL %s:%d/%s", c.Host, c.Port, c.Database)
		return mysql.Open(mysqlDSN(c)), nil
	case DatabaseTypePostgres:
		logger.InfoF(context.Background(), "[Database] PostgreSQL %s:%d/%s", c.Host, c.Port, c.Database)
		return postgres.Open(postgresDSN(c)), nil
	}
	return nil, fmt.Errorf("unsupported database type %q (want sqlite, mysql or postgres)", typ)
}

func mysqlDSN(c config.DatabaseConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func postgresDSN(c config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// applyPool sizes the connection pool. SQLite gets a single connection since it allows one writer.
func applyPool(sqlDB *sql.DB, typ string, c config.DatabaseConfig) {
	idle, open := c.MaxIdleConn, c.MaxOpenConn
	if typ == DatabaseTypeSQLite {
		idle, open = 1, 1
	}
	if idle > 0 {
		sqlDB.SetMaxIdleConns(idle)
	}
	if open > 0 {
		sqlDB.SetMaxOpenConns(open)
	}
	if c.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(c.ConnMaxLifetime) * time.Second)
	}
}

// gormLogLevel maps database.log_level; anything unknown logs warnings.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func closeConn(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB 获取带上下文的数据库实例
func GetDB(ctx context.Context) *gorm.DB {
	dbMu.RLock()
	defer dbMu.RUnlock()
	if globalDB == nil {
		return nil
	}
	return globalDB.WithContext(ctx)
}

// CloseDatabase 关闭全局数据库连接，未初始化时直接返回
func CloseDatabase() error {
	dbMu.Lock()
	conn := globalDB
	globalDB, dbType = nil, ""
	dbMu.Unlock()
	if conn == nil {
		return nil
	}
	if err := closeConn(conn); err != nil {
		return fmt.Errorf("[Database] 关闭连接失败: %w", err)
	}
	return nil
}

// IsDatabaseInitialized 检查数据库是否已初始化
func IsDatabaseInitialized() bool {
	dbMu.RLock()
	defer dbMu.RUnlock()
	return globalDB != nil
}

// GetDatabaseType 获取当前数据库类型
func GetDatabaseType() string {
	dbMu.RLock()
	defer dbMu.RUnlock()
	return dbType
}
