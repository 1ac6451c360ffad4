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
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultEventCacheSize caps undelivered events held for retry
// DefaultEventCacheSize 限制等待重试的未投递事件数量
const DefaultEventCacheSize = 1000

// DefaultBatchSize is how many events one Send receives at most
// DefaultBatchSize 是单次 Send 最多接收的事件数
const DefaultBatchSize = 100

// DefaultFlushInterval is the default period between flushes
// DefaultFlushInterval 是两次刷新之间的默认间隔
const DefaultFlushInterval = 5 * time.Second

// DefaultSendTimeout bounds one delivery to a sink
// DefaultSendTimeout 限制单次投递到接收端的时间
const DefaultSendTimeout = 10 * time.Second

// Reporter accepts lifecycle events without blocking the caller
// Reporter 接收生命周期事件且不阻塞调用者
type Reporter interface {
	ReportEvent(event *Event)
}

// Fanout reports every event to each of its reporters
// Fanout 将每个事件上报给其中的每个上报器
type Fanout []Reporter

// ReportEvent implements Reporter.
func (f Fanout) ReportEvent(event *Event) {
	for _, r := range f {
		r.ReportEvent(event)
	}
}

// EventReporter handles event caching and batch delivery to one sink
// EventReporter 处理事件缓存以及向单个接收端的批量投递
type EventReporter struct {
	sink          Sink
	logger        *zap.Logger
	eventCache    []*Event
	cacheSize     int
	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration
	dropped       int

	mu      sync.Mutex
	flushMu sync.Mutex

	flushCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEventReporter creates a new EventReporter for sink
// NewEventReporter 为 sink 创建一个新的 EventReporter 实例
func NewEventReporter(sink Sink, logger *zap.Logger) *EventReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventReporter{
		sink:          sink,
		logger:        logger.With(zap.String("sink", sink.Name())),
		eventCache:    make([]*Event, 0, DefaultBatchSize),
		cacheSize:     DefaultEventCacheSize,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		sendTimeout:   DefaultSendTimeout,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetCacheSize bounds the retry cache; the oldest event is dropped on overflow
// SetCacheSize 设置最大缓存大小
func (r *EventReporter) SetCacheSize(size int) {
	if size <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheSize = size
}

// SetBatchSize bounds one delivery to the sink
// SetBatchSize 设置上报的批量大小
func (r *EventReporter) SetBatchSize(size int) {
	if size <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchSize = size
}

// SetFlushInterval sets the periodic flush interval. Call before Start.
// SetFlushInterval 设置定期刷新间隔，需在 Start 之前调用。
func (r *EventReporter) SetFlushInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushInterval = interval
}

// Start launches the periodic flush loop
// Start 启动定期刷新 goroutine
func (r *EventReporter) Start() {
	r.startOnce.Do(func() {
		go r.flushLoop()
	})
}

// Stop stops the flush goroutine after a final flush
// Stop 在最后一次刷新后停止刷新 goroutine
func (r *EventReporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.startOnce.Do(func() {
		// never started: flush inline
		_ = r.FlushEvents(context.Background())
		close(r.doneCh)
	})
	<-r.doneCh
}

func (r *EventReporter) flushLoop() {
	defer close(r.doneCh)

	r.mu.Lock()
	interval := r.flushInterval
	r.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			_ = r.FlushEvents(context.Background())
			return
		case <-ticker.C:
			_ = r.FlushEvents(context.Background())
		case <-r.flushCh:
			_ = r.FlushEvents(context.Background())
		}
	}
}

// ReportEvent adds an event to the cache and wakes the flusher once a batch is ready
// ReportEvent 将事件添加到缓存，并在凑满一批时唤醒刷新协程
func (r *EventReporter) ReportEvent(event *Event) {
	if event == nil {
		return
	}
	r.mu.Lock()
	if len(r.eventCache) >= r.cacheSize {
		// full: drop the oldest / 已满时丢弃最旧事件
		r.eventCache = r.eventCache[1:]
		r.dropped++
	}
	r.eventCache = append(r.eventCache, event)
	ready := len(r.eventCache) >= r.batchSize
	r.mu.Unlock()

	if ready {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// FlushEvents delivers all cached events in batches. Events stay cached when the sink fails.
// FlushEvents 分批投递所有缓存的事件，接收端失败时事件保留在缓存中。
func (r *EventReporter) FlushEvents(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	for {
		r.mu.Lock()
		n := min(r.batchSize, len(r.eventCache))
		batch := make([]*Event, n)
		copy(batch, r.eventCache[:n])
		r.mu.Unlock()

		if n == 0 {
			return nil
		}

		sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
		err := r.sink.Send(sendCtx, batch)
		cancel()
		if err != nil {
			r.logger.Warn("event delivery failed, keeping events cached",
				zap.Int("batch", n),
				zap.Error(err),
			)
			return err
		}

		r.removeDelivered(batch[n-1])
		r.logger.Debug("events delivered", zap.Int("batch", n))
	}
}

// removeDelivered drops every cached event up to and including last.
// Older entries may have been evicted while the batch was in flight.
func (r *EventReporter) removeDelivered(last *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.eventCache {
		if e == last {
			r.eventCache = r.eventCache[i+1:]
			return
		}
	}
}

// GetCachedEventCount returns how many events await delivery
// GetCachedEventCount 返回等待投递的事件数量
func (r *EventReporter) GetCachedEventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eventCache)
}

// Dropped returns how many events were evicted from a full cache
// Dropped 返回因缓存已满而被淘汰的事件数
func (r *EventReporter) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// ClearCache drops undelivered events without sending them
// ClearCache 清除所有缓存的事件
func (r *EventReporter) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventCache = make([]*Event, 0, r.batchSize)
}
