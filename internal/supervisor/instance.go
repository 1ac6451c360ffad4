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

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/otel_trace"
	"github.com/seatunnel/stx-supervisor/internal/process"
	"github.com/seatunnel/stx-supervisor/internal/restart"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// instance is one registration of a ProcessSpec. Its control loop is the only
// goroutine that spawns or consumes exits; every transition happens under mu.
type instance struct {
	sup  *Supervisor
	spec *ProcessSpec
	id   string
	log  *zap.Logger

	mu            sync.Mutex
	state         State
	launched      bool
	stopRequested bool
	child         *process.Child
	restarts      int
	spawns        int
	exhausted     bool
	lastExit      *process.ExitInfo
	lastErr       string
	startedAt     time.Time
	exitedAt      time.Time
	outputs       *process.Outputs

	exits    chan process.ExitInfo
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once

	snapshot atomic.Pointer[Status]
}

func newInstance(sup *Supervisor, spec *ProcessSpec) *instance {
	id := uuid.NewString()
	in := &instance{
		sup:   sup,
		spec:  spec,
		id:    id,
		log:   sup.logger.With(zap.String("name", spec.Name), zap.String("instance_id", id)),
		state: StatePending,
		exits: make(chan process.ExitInfo, 1),

		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	in.publishLocked()
	return in
}

// status never blocks: it reads the last published snapshot.
func (in *instance) status() Status {
	return *in.snapshot.Load()
}

func (in *instance) publishLocked() {
	st := &Status{
		Name:            in.spec.Name,
		ID:              in.id,
		State:           in.state,
		Restarts:        in.restarts,
		MaxRestarts:     in.spec.Restart.MaxRestarts,
		Spawns:          in.spawns,
		BudgetExhausted: in.exhausted,
		LastError:       in.lastErr,
		StartedAt:       in.startedAt,
		ExitedAt:        in.exitedAt,
	}
	if in.child != nil {
		st.PID = in.child.PID()
	}
	if in.lastExit != nil {
		exit := *in.lastExit
		st.LastExit = &exit
	}
	in.snapshot.Store(st)
}

func (in *instance) emitLocked(typ monitor.EventType, fill func(e *monitor.Event)) {
	e := monitor.NewEvent(typ, in.spec.Name, in.id)
	e.Restarts = in.restarts
	if in.child != nil {
		e.PID = in.child.PID()
	}
	if fill != nil {
		fill(e)
	}
	in.sup.reporter.ReportEvent(e)
}

// run is the control loop. started receives the result of the first spawn.
func (in *instance) run(ctx context.Context, started chan<- error) {
	defer in.finish()

	in.mu.Lock()
	if in.stopRequested {
		in.state = StateStopped
		in.publishLocked()
		in.emitLocked(monitor.EventStopped, func(e *monitor.Event) { e.Message = "stopped before first spawn" })
		in.mu.Unlock()
		started <- nil
		return
	}
	err := in.spawnLocked(ctx)
	if err != nil {
		in.state = StateFailed
		in.publishLocked()
		in.emitLocked(monitor.EventFailed, func(e *monitor.Event) { e.Message = err.Error() })
	}
	in.mu.Unlock()
	started <- err
	if err != nil {
		return
	}

exitLoop:
	for {
		info := <-in.exits
		delay, again := in.handleExit(info)
		for again {
			if !in.sleep(delay) {
				in.stopDuringBackoff()
				return
			}
			var spawned bool
			spawned, delay, again = in.respawn(ctx)
			if spawned {
				continue exitLoop
			}
		}
		return
	}
}

// spawnLocked starts a child and hands it to a dedicated wait worker.
func (in *instance) spawnLocked(ctx context.Context) error {
	_, span := otel_trace.Start(ctx, "supervisor.spawn", trace.WithAttributes(
		attribute.String("process.name", in.spec.Name),
		attribute.String("process.instance_id", in.id),
		attribute.Int("process.restarts", in.restarts),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.lastErr = err.Error()
		in.publishLocked()
		in.emitLocked(monitor.EventSpawnFailed, func(e *monitor.Event) { e.Message = err.Error() })
		in.log.Error("spawn failed", zap.Int("restarts", in.restarts), zap.Error(err))
		return &SpawnError{Name: in.spec.Name, Attempt: in.restarts, Err: err}
	}

	if in.outputs == nil {
		outputs, err := process.OpenOutputs(in.spec.Output)
		if err != nil {
			return fail(fmt.Errorf("open output files: %w", err))
		}
		in.outputs = outputs
	}

	child, err := process.Spawn(&process.Command{
		Argv:   in.spec.Command,
		Dir:    in.spec.WorkingDirectory,
		Env:    in.spec.Environ(),
		Stdout: in.outputs.Stdout,
		Stderr: in.outputs.Stderr,
	})
	if err != nil {
		return fail(err)
	}

	in.child = child
	in.spawns++
	in.state = StateRunning
	in.startedAt = child.StartedAt()
	in.lastErr = ""
	in.publishLocked()
	in.emitLocked(monitor.EventSpawned, nil)

	span.SetAttributes(attribute.Int("process.pid", child.PID()))
	in.log.Info("process spawned", zap.Int("pid", child.PID()), zap.Int("restarts", in.restarts))

	go child.Wait(in.exits)
	return nil
}

// handleExit records an exit and applies the restart decision. The stop flag
// is read under the same lock Stop sets it under.
func (in *instance) handleExit(info process.ExitInfo) (time.Duration, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.child = nil
	in.lastExit = &info
	in.exitedAt = info.At
	in.emitLocked(monitor.EventExited, func(e *monitor.Event) {
		e.PID = info.PID
		e.ExitCode = info.Code
		e.Signal = info.Signal
		if info.Err != nil {
			e.Message = info.Err.Error()
		}
	})
	in.log.Info("process exited",
		zap.Int("pid", info.PID),
		zap.Int("exit_code", info.Code),
		zap.String("signal", info.Signal),
		zap.Bool("stop_requested", in.stopRequested),
	)

	exit := restart.Exit{Code: info.Code, Signaled: info.Signaled}
	decision := restart.Decide(in.spec.Restart, exit, in.stopRequested, in.restarts)
	return in.applyLocked(decision, info.String())
}

func (in *instance) applyLocked(decision restart.Decision, reason string) (time.Duration, bool) {
	switch decision {
	case restart.DecisionStop:
		in.state = StateStopped
		in.publishLocked()
		in.emitLocked(monitor.EventStopped, func(e *monitor.Event) { e.Message = reason })
		return 0, false

	case restart.DecisionFail:
		in.state = StateFailed
		in.exhausted = true
		in.publishLocked()
		in.emitLocked(monitor.EventFailed, func(e *monitor.Event) {
			e.Message = fmt.Sprintf("restart budget of %d exhausted: %s", in.spec.Restart.MaxRestarts, reason)
		})
		in.log.Error("restart budget exhausted", zap.Int("max_restarts", in.spec.Restart.MaxRestarts))
		return 0, false

	default:
		in.restarts++
		delay := in.spec.Restart.Delay(in.restarts)
		in.state = StateRestarting
		in.publishLocked()
		in.emitLocked(monitor.EventRestarting, func(e *monitor.Event) {
			e.Message = fmt.Sprintf("restart %d/%d in %s", in.restarts, in.spec.Restart.MaxRestarts, delay)
		})
		in.log.Warn("scheduling restart",
			zap.Int("restart", in.restarts),
			zap.Int("max_restarts", in.spec.Restart.MaxRestarts),
			zap.Duration("delay", delay),
		)
		return delay, true
	}
}

// sleep waits out the backoff. It returns false when a stop cancels it.
func (in *instance) sleep(delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-in.stopCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-in.stopCh:
		return false
	}
}

func (in *instance) stopDuringBackoff() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = StateStopped
	in.publishLocked()
	in.emitLocked(monitor.EventStopped, func(e *monitor.Event) { e.Message = "stopped during restart backoff" })
	in.log.Info("restart cancelled by stop")
}

// respawn runs after the backoff. A failed spawn consumes the restart it was
// scheduled for and is decided like any other unexpected exit.
func (in *instance) respawn(ctx context.Context) (spawned bool, delay time.Duration, again bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.stopRequested {
		in.state = StateStopped
		in.publishLocked()
		in.emitLocked(monitor.EventStopped, func(e *monitor.Event) { e.Message = "stopped before respawn" })
		return false, 0, false
	}

	err := in.spawnLocked(ctx)
	if err == nil {
		return true, 0, false
	}
	decision := restart.Decide(in.spec.Restart, restart.Exit{Code: -1, SpawnFailed: true}, false, in.restarts)
	delay, again = in.applyLocked(decision, err.Error())
	return false, delay, again
}

// stop requests a graceful stop, escalates to SIGKILL after timeout and waits
// for the instance to become terminal. Calling it again is harmless.
func (in *instance) stop(timeout time.Duration) error {
	in.mu.Lock()
	if in.state.IsTerminal() {
		in.mu.Unlock()
		return nil
	}
	if in.state == StatePending && !in.launched {
		in.stopRequested = true
		in.state = StateStopped
		in.publishLocked()
		in.emitLocked(monitor.EventStopped, func(e *monitor.Event) { e.Message = "stopped before launch" })
		in.mu.Unlock()
		in.finish()
		return nil
	}

	in.stopRequested = true
	in.stopOnce.Do(func() { close(in.stopCh) })
	child := in.child
	if in.state == StateRunning && child != nil {
		in.state = StateStopping
		in.publishLocked()
		in.emitLocked(monitor.EventStopping, nil)
		sig := in.spec.stopSignal()
		if err := child.Signal(sig); err != nil {
			in.log.Warn("failed to deliver stop signal", zap.Stringer("signal", sig), zap.Error(err))
		}
	}
	in.mu.Unlock()

	if timeout <= 0 {
		timeout = in.spec.killTimeout(in.sup.killTimeout)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-in.done:
		return nil
	case <-timer.C:
	}

	if child != nil {
		in.log.Warn("graceful stop timed out, killing process group",
			zap.Int("pid", child.PID()),
			zap.Duration("timeout", timeout),
		)
		if err := child.Kill(); err != nil {
			in.log.Error("kill failed", zap.Int("pid", child.PID()), zap.Error(err))
		}
	}
	<-in.done
	return nil
}

func (in *instance) finish() {
	in.doneOnce.Do(func() {
		in.mu.Lock()
		if in.outputs != nil {
			_ = in.outputs.Close()
			in.outputs = nil
		}
		in.mu.Unlock()
		close(in.done)
	})
}
