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

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel events are published on
// DefaultRedisChannel 是事件发布使用的发布订阅通道
const DefaultRedisChannel = "stx:events"

// ErrNilRedisClient indicates a Redis sink was built without a client
// ErrNilRedisClient 表示构建 Redis 接收端时未提供客户端
var ErrNilRedisClient = errors.New("redis client is nil")

// Sink receives batches of lifecycle events
// Sink 接收批量的生命周期事件
type Sink interface {
	// Name identifies the sink in logs
	// Name 在日志中标识该接收端
	Name() string

	// Send delivers a batch; an error keeps the batch for retry
	// Send 投递一批事件，返回错误时该批次保留以便重试
	Send(ctx context.Context, events []*Event) error
}

// LogSink writes each event as a structured log line.
// LogSink 将每个事件写为一条结构化日志。
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, events []*Event) error {
	for _, e := range events {
		fields := []zap.Field{
			zap.String("event", string(e.Type)),
			zap.String("name", e.Name),
			zap.String("instance_id", e.InstanceID),
			zap.Int("restarts", e.Restarts),
		}
		if e.PID > 0 {
			fields = append(fields, zap.Int("pid", e.PID))
		}
		if e.Type == EventExited {
			fields = append(fields, zap.Int("exit_code", e.ExitCode))
			if e.Signal != "" {
				fields = append(fields, zap.String("signal", e.Signal))
			}
		}
		if e.Message != "" {
			fields = append(fields, zap.String("message", e.Message))
		}

		switch e.Type {
		case EventFailed, EventSpawnFailed:
			s.logger.Error("process lifecycle", fields...)
		case EventRestarting:
			s.logger.Warn("process lifecycle", fields...)
		default:
			s.logger.Info("process lifecycle", fields...)
		}
	}
	return nil
}

// RedisSink publishes events as JSON on a Redis pub/sub channel.
// RedisSink 将事件以 JSON 形式发布到 Redis 发布订阅通道。
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisSink creates a sink publishing on channel.
// NewRedisSink 创建在 channel 上发布的接收端。
func NewRedisSink(client redis.UniversalClient, channel string) (*RedisSink, error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}, nil
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Channel returns the pub/sub channel.
func (s *RedisSink) Channel() string { return s.channel }

// Send implements Sink. The batch is published in one pipeline round trip.
func (s *RedisSink) Send(ctx context.Context, events []*Event) error {
	pipe := s.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		pipe.Publish(ctx, s.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish events: %w", err)
	}
	return nil
}
