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

// Package supervisor runs declared processes and enforces their restart policy.
// supervisor 包运行已声明的进程并执行其重启策略。
//
// This package provides:
// 此包提供：
// - A registry of process instances keyed by name / 按名称索引的进程实例注册表
// - One control loop per instance with serialized transitions / 每个实例一个串行化状态转换的控制循环
// - Start, Stop, Restart and non-blocking Status / 启动、停止、重启以及非阻塞的状态查询
// - Graceful stop with escalation to SIGKILL / 优雅停止并升级为 SIGKILL
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type nopReporter struct{}

func (nopReporter) ReportEvent(*monitor.Event) {}

// Option configures a Supervisor
// Option 配置 Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReporter sets where lifecycle events go.
// WithReporter 设置生命周期事件的去向。
func WithReporter(r monitor.Reporter) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithKillTimeout sets the stop timeout used when neither the caller nor the ProcessSpec gives one.
// WithKillTimeout 设置调用方和声明都未指定时使用的停止超时。
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killTimeout = d
	}
}

// Supervisor owns every process instance. It is created by New and torn down by Shutdown.
// Supervisor 拥有所有进程实例，由 New 创建，由 Shutdown 销毁。
type Supervisor struct {
	logger      *zap.Logger
	reporter    monitor.Reporter
	killTimeout time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
	catalog   map[string]*ProcessSpec
	closed    bool
}

// New creates an empty supervisor.
// New 创建一个空的监管者。
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:      zap.NewNop(),
		reporter:    nopReporter{},
		killTimeout: DefaultKillTimeout,
		instances:   make(map[string]*instance),
		catalog:     make(map[string]*ProcessSpec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers spec and spawns it. A spawn failure is returned as *SpawnError
// and leaves the instance Failed with the error in its status. Starting a name
// whose instance is terminal replaces it and resets the restart counter.
// Start 注册并启动 spec。启动失败以 *SpawnError 返回，实例进入 Failed 并在状态中记录错误。
// 对处于终态的同名实例调用 Start 会替换它并重置重启计数。
func (s *Supervisor) Start(ctx context.Context, spec *ProcessSpec) (Handle, error) {
	in, err := s.register(spec)
	if err != nil {
		return Handle{}, err
	}
	if err := s.launch(ctx, in); err != nil {
		return Handle{in}, err
	}
	return Handle{in}, nil
}

// Register declares spec without spawning it. The instance stays Pending until Launch.
// Register 声明 spec 但不启动，实例保持 Pending 直到 Launch。
func (s *Supervisor) Register(spec *ProcessSpec) (Handle, error) {
	in, err := s.register(spec)
	if err != nil {
		return Handle{}, err
	}
	return Handle{in}, nil
}

// Launch spawns a Pending instance.
// Launch 启动处于 Pending 的实例。
func (s *Supervisor) Launch(ctx context.Context, h Handle) error {
	if h.inst == nil || h.inst.sup != s {
		return ErrInvalidHandle
	}
	return s.launch(ctx, h.inst)
}

func (s *Supervisor) register(spec *ProcessSpec) (*instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec = spec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorShutdown
	}
	if cur, ok := s.instances[spec.Name]; ok && !cur.status().State.IsTerminal() {
		return nil, &FatalError{Name: spec.Name, Err: ErrDuplicateName}
	}

	in := newInstance(s, spec)
	s.instances[spec.Name] = in
	s.catalog[spec.Name] = spec

	in.mu.Lock()
	in.emitLocked(monitor.EventRegistered, func(e *monitor.Event) {
		e.Message = fmt.Sprintf("max_restarts=%d autorestart=%t", spec.Restart.MaxRestarts, spec.Restart.AutoRestart)
	})
	in.mu.Unlock()
	return in, nil
}

func (s *Supervisor) launch(ctx context.Context, in *instance) error {
	in.mu.Lock()
	if in.launched || in.state != StatePending {
		state := in.state
		in.mu.Unlock()
		if state.IsTerminal() {
			return fmt.Errorf("%s is %s: %w", in.spec.Name, state, ErrInvalidHandle)
		}
		return fmt.Errorf("%s: %w", in.spec.Name, ErrAlreadyRunning)
	}
	in.launched = true
	in.mu.Unlock()

	started := make(chan error, 1)
	go in.run(context.WithoutCancel(ctx), started)
	return <-started
}

// Bootstrap declares every spec, starting those with Autostart. Failures of one
// process do not prevent the others; all errors are returned joined.
// Bootstrap 声明所有 spec 并启动 Autostart 的进程，单个进程失败不影响其他进程，所有错误合并返回。
func (s *Supervisor) Bootstrap(ctx context.Context, specs []*ProcessSpec) error {
	var errs []error
	for _, spec := range specs {
		var err error
		if spec.Autostart {
			_, err = s.Start(ctx, spec)
		} else {
			_, err = s.Register(spec)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop stops the instance behind h: stop signal, wait up to timeout, then SIGKILL.
// A timeout <= 0 uses ProcessSpec.KillTimeout. Stopping a terminal instance is a no-op.
// Stop 停止 h 对应的实例：发送停止信号，最多等待 timeout，然后发送 SIGKILL。
// timeout <= 0 时使用声明中的 kill 超时。停止终态实例不做任何事。
func (s *Supervisor) Stop(h Handle, timeout time.Duration) error {
	if h.inst == nil || h.inst.sup != s {
		return ErrInvalidHandle
	}
	return h.inst.stop(timeout)
}

// Status returns the instance snapshot. It never blocks; a zero handle yields a zero Status.
// Status 返回实例快照，从不阻塞；空句柄返回零值 Status。
func (s *Supervisor) Status(h Handle) Status {
	if h.inst == nil {
		return Status{}
	}
	return h.inst.status()
}

// Lookup returns the current registration of name.
func (s *Supervisor) Lookup(name string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.instances[name]
	if !ok {
		return Handle{}, false
	}
	return Handle{in}, true
}

// StartByName launches a Pending instance or re-registers a terminal one from its declaration.
// StartByName 启动 Pending 实例，或根据声明重新注册处于终态的实例。
func (s *Supervisor) StartByName(ctx context.Context, name string) (Handle, error) {
	s.mu.RLock()
	in := s.instances[name]
	spec := s.catalog[name]
	s.mu.RUnlock()

	if in != nil {
		switch in.status().State {
		case StatePending:
			if err := s.launch(ctx, in); err != nil {
				return Handle{in}, err
			}
			return Handle{in}, nil
		case StateRunning, StateRestarting, StateStopping:
			return Handle{in}, fmt.Errorf("%s: %w", name, ErrAlreadyRunning)
		}
	}
	if spec == nil {
		return Handle{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return s.Start(ctx, spec)
}

// StopByName stops the current registration of name.
func (s *Supervisor) StopByName(name string, timeout time.Duration) (Handle, error) {
	h, ok := s.Lookup(name)
	if !ok {
		return Handle{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return h, s.Stop(h, timeout)
}

// Restart stops name if it is live and starts a fresh registration of the same declaration.
// Restart 在 name 存活时停止它，并以相同声明启动新的注册。
func (s *Supervisor) Restart(ctx context.Context, name string, timeout time.Duration) (Handle, error) {
	s.mu.RLock()
	in := s.instances[name]
	spec := s.catalog[name]
	s.mu.RUnlock()

	if spec == nil {
		return Handle{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if in != nil {
		if err := in.stop(timeout); err != nil {
			return Handle{in}, err
		}
	}
	s.logger.Info("restarting process", zap.String("name", name))
	return s.Start(ctx, spec)
}

// StatusByName returns the snapshot of the current registration of name.
func (s *Supervisor) StatusByName(name string) (Status, error) {
	h, ok := s.Lookup(name)
	if !ok {
		return Status{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return h.inst.status(), nil
}

// List returns the snapshot of every registered instance, ordered by name.
// List 返回所有已注册实例的快照，按名称排序。
func (s *Supervisor) List() []Status {
	s.mu.RLock()
	out := make([]Status, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, in.status())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Specs returns copies of every declared spec, ordered by name.
func (s *Supervisor) Specs() []*ProcessSpec {
	s.mu.RLock()
	out := make([]*ProcessSpec, 0, len(s.catalog))
	for _, spec := range s.catalog {
		out = append(out, spec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown refuses new registrations and stops every instance concurrently.
// Shutdown 拒绝新的注册并并发停止所有实例。
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*instance, 0, len(s.instances))
	for _, in := range s.instances {
		live = append(live, in)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, in := range live {
		g.Go(func() error {
			return in.stop(0)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		s.logger.Info("supervisor shut down", zap.Int("instances", len(live)))
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
