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

// Package config loads the daemon configuration and app declaration files.
// config 包加载守护进程配置与应用声明文件。
//
// Configuration loading priority (highest to lowest):
// 配置加载优先级（从高到低）：
// 1. Command line arguments / 命令行参数
// 2. Environment variables (STX_ prefix) / 环境变量（STX_ 前缀）
// 3. Configuration file / 配置文件
// 4. Default values / 默认值
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
// 默认配置值
const (
	DefaultConfigPath         = "config.yaml"
	DefaultAddr               = ":8090"
	DefaultAPIPrefix          = "/api"
	DefaultGRPCPort           = 50061
	DefaultLogLevel           = "info"
	DefaultLogFile            = "./logs/stx-supervisor.log"
	DefaultLogMaxSize         = 100 // MB
	DefaultLogMaxBackups      = 3
	DefaultLogMaxAge          = 7 // days
	DefaultSQLitePath         = "./data/stx-supervisor.db"
	DefaultRedisChannel       = "stx:events"
	DefaultStopTimeout        = 5 * time.Second
	DefaultEventCacheSize     = 1000
	DefaultEventBatchSize     = 100
	DefaultEventFlushInterval = 5 * time.Second
	DefaultEventRetention     = 30 * 24 * time.Hour
)

// EnvPrefix prefixes every environment override, e.g. STX_SERVER_ADDR
// EnvPrefix 是所有环境变量覆盖的前缀，例如 STX_SERVER_ADDR
const EnvPrefix = "STX"

// Load loads configuration from file and environment variables. A missing file
// is not an error; defaults apply.
// Load 从文件和环境变量加载配置。文件不存在不是错误，使用默认值。
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values / 设置默认值
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(EnvPrefix + "_CONFIG_PATH")
	}
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	v.SetConfigFile(configPath)

	// Enable environment variable override / 启用环境变量覆盖
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			// 文件存在但无法解析才是错误
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.app_name", "stx-supervisor")
	v.SetDefault("server.env", "production")
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.api_prefix", DefaultAPIPrefix)

	v.SetDefault("grpc.enabled", false)
	v.SetDefault("grpc.port", DefaultGRPCPort)
	v.SetDefault("grpc.tls_enabled", false)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", DefaultLogFile)
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
	v.SetDefault("log.compress", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.sqlite_path", DefaultSQLitePath)
	v.SetDefault("database.max_idle_conn", 10)
	v.SetDefault("database.max_open_conn", 100)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("redis.channel", DefaultRedisChannel)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "stx-supervisor")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("supervisor.apps_file", "")
	v.SetDefault("supervisor.stop_timeout", DefaultStopTimeout)
	v.SetDefault("supervisor.event_cache_size", DefaultEventCacheSize)
	v.SetDefault("supervisor.event_batch_size", DefaultEventBatchSize)
	v.SetDefault("supervisor.event_flush_interval", DefaultEventFlushInterval)
	v.SetDefault("supervisor.event_retention", DefaultEventRetention)
}

// Validate validates the configuration
// Validate 验证配置
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Output {
	case "stdout", "file", "both":
	default:
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Log.Output)
	}

	if c.Database.Enabled {
		switch c.Database.Type {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("unsupported database type: %s", c.Database.Type)
		}
	}

	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("grpc.port out of range: %d", c.GRPC.Port)
	}
	if c.GRPC.Enabled && c.GRPC.TLSEnabled && (c.GRPC.CertFile == "" || c.GRPC.KeyFile == "") {
		return errors.New("grpc.cert_file and grpc.key_file are required when TLS is enabled")
	}

	if c.Supervisor.StopTimeout <= 0 {
		return errors.New("supervisor.stop_timeout must be positive")
	}
	if c.Supervisor.EventCacheSize <= 0 || c.Supervisor.EventBatchSize <= 0 {
		return errors.New("supervisor.event_cache_size and event_batch_size must be positive")
	}
	if c.Supervisor.EventRetention < 0 {
		return errors.New("supervisor.event_retention must be >= 0")
	}
	return nil
}

// IsDevelopment reports whether the daemon runs in development mode
// IsDevelopment 返回守护进程是否处于开发模式
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// String returns a string representation of the config (for debugging)
// String 返回配置的字符串表示（用于调试）
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server.Addr: %s, GRPC.Enabled: %t, Log.Level: %s, Database.Enabled: %t, Redis.Enabled: %t, Supervisor.AppsFile: %s}",
		c.Server.Addr,
		c.GRPC.Enabled,
		c.Log.Level,
		c.Database.Enabled,
		c.Redis.Enabled,
		c.Supervisor.AppsFile,
	)
}
