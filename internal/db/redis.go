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
	"fmt"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/seatunnel/stx-supervisor/internal/logger"
)

// InitRedis 根据配置创建 Redis 客户端，接入追踪并检查连通性
// Redis 未启用时返回 nil
func InitRedis(ctx context.Context, redisConfig config.RedisConfig) (redis.UniversalClient, error) {
	if !redisConfig.Enabled {
		logger.InfoF(ctx, "[Redis] Redis 已禁用，跳过初始化")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Username:     redisConfig.Username,
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConn,
		DialTimeout:  time.Duration(redisConfig.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(redisConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(redisConfig.WriteTimeout) * time.Second,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.WarnF(ctx, "[Redis] 初始化追踪失败: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("[Redis] 连接 %s:%d 失败: %w", redisConfig.Host, redisConfig.Port, err)
	}

	logger.InfoF(ctx, "[Redis] 成功连接到 %s:%d", redisConfig.Host, redisConfig.Port)
	return client, nil
}
