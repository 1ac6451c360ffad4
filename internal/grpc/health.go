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

package grpc

import (
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// servingStatus maps a lifecycle event to the health of its process.
func servingStatus(t monitor.EventType) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	switch t {
	case monitor.EventSpawned:
		return healthpb.HealthCheckResponse_SERVING, true
	case monitor.EventRegistered,
		monitor.EventSpawnFailed,
		monitor.EventExited,
		monitor.EventRestarting,
		monitor.EventStopping,
		monitor.EventStopped,
		monitor.EventFailed:
		return healthpb.HealthCheckResponse_NOT_SERVING, true
	default:
		return healthpb.HealthCheckResponse_UNKNOWN, false
	}
}

// ReportEvent implements monitor.Reporter. It only updates in-memory health
// state, so it never blocks the instance loop.
// ReportEvent 实现 monitor.Reporter，只更新内存中的健康状态，不会阻塞实例控制循环。
func (s *Server) ReportEvent(event *monitor.Event) {
	if event == nil {
		return
	}
	st, ok := servingStatus(event.Type)
	if !ok {
		return
	}

	s.mu.Lock()
	prev, seen := s.services[event.Name]
	s.services[event.Name] = st
	s.mu.Unlock()

	s.health.SetServingStatus(event.Name, st)
	if !seen || prev != st {
		s.logger.Debug("health status changed",
			zap.String("service", event.Name),
			zap.Stringer("status", st),
		)
	}
}

// ServingStatus returns the last status recorded for a process.
// ServingStatus 返回进程最近一次记录的健康状态。
func (s *Server) ServingStatus(name string) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[name]
	return st, ok
}
