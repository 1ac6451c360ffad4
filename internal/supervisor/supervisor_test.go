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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/process"
	"github.com/seatunnel/stx-supervisor/internal/restart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []*monitor.Event
}

func (r *recordingReporter) ReportEvent(e *monitor.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingReporter) count(name string, typ monitor.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name && e.Type == typ {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T) (*Supervisor, *recordingReporter) {
	t.Helper()
	rec := &recordingReporter{}
	sup := New(WithLogger(zaptest.NewLogger(t)), WithReporter(rec), WithKillTimeout(2*time.Second))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, rec
}

func shellSpec(name, script string) *ProcessSpec {
	policy := restart.DefaultPolicy()
	policy.Backoff = restart.FixedBackoff(5 * time.Millisecond)
	return &ProcessSpec{
		Name:    name,
		Command: []string{"/bin/sh", "-c", script},
		Restart: policy,
	}
}

func waitDone(t *testing.T, h Handle, d time.Duration) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(d):
		t.Fatalf("%s did not reach a terminal state within %s", h.Name(), d)
	}
}

func waitState(t *testing.T, sup *Supervisor, h Handle, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return sup.Status(h).State == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func TestSupervisor_RestartBudgetExhausted(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	h, err := sup.Start(context.Background(), shellSpec("crasher", "exit 1"))
	require.NoError(t, err)
	waitDone(t, h, 10*time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 10, st.Restarts)
	assert.Equal(t, 11, st.Spawns)
	assert.True(t, st.BudgetExhausted)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, 1, st.LastExit.Code)

	var exitErr *RuntimeExitError
	require.ErrorAs(t, st.ExitError(), &exitErr)
	assert.Equal(t, 1, exitErr.Exit.Code)

	// no spawn may happen once the instance failed
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 11, rec.count("crasher", monitor.EventSpawned))
	assert.Equal(t, 10, rec.count("crasher", monitor.EventRestarting))
	assert.Equal(t, 1, rec.count("crasher", monitor.EventFailed))
}

func TestSupervisor_ZeroBudgetFailsOnFirstExit(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	spec := shellSpec("once", "exit 2")
	spec.Restart.MaxRestarts = 0
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, 1, st.Spawns)
}

func TestSupervisor_StopDuringBackoff(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	spec := shellSpec("slow-restart", "exit 1")
	spec.Restart.Backoff = restart.FixedBackoff(time.Hour)
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitState(t, sup, h, StateRestarting)

	start := time.Now()
	require.NoError(t, sup.Stop(h, time.Second))
	assert.Less(t, time.Since(start), time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 1, st.Spawns)
	assert.False(t, st.BudgetExhausted)
	assert.Equal(t, 1, rec.count("slow-restart", monitor.EventSpawned))
}

func TestSupervisor_AutorestartDisabled(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	flapping := shellSpec("flapping", "exit 1")
	other, err := sup.Start(context.Background(), flapping)
	require.NoError(t, err)

	spec := shellSpec("one-shot", "sleep 0.05; exit 1")
	spec.Restart.AutoRestart = false
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.Restarts)
	assert.Equal(t, 1, st.Spawns)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, 1, st.LastExit.Code)

	waitDone(t, other, 10*time.Second)
	assert.Equal(t, StateFailed, sup.Status(other).State)
	assert.Equal(t, 10, sup.Status(other).Restarts)
	assert.Equal(t, StateStopped, sup.Status(h).State)
}

func TestSupervisor_StopExitCodes(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	spec := shellSpec("clean", "exit 0")
	spec.Restart.StopExitCodes = []int{0}
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	assert.Equal(t, StateStopped, sup.Status(h).State)
	assert.Nil(t, sup.Status(h).ExitError())
}

func TestSupervisor_StatusRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	h, err := sup.Start(context.Background(), shellSpec("sleeper", "sleep 30"))
	require.NoError(t, err)

	st := sup.Status(h)
	assert.Equal(t, StateRunning, st.State)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, 10, st.MaxRestarts)
	assert.False(t, st.StartedAt.IsZero())
	assert.NotEmpty(t, st.ID)

	byName, err := sup.StatusByName("sleeper")
	require.NoError(t, err)
	assert.Equal(t, st.PID, byName.PID)

	require.NoError(t, sup.Stop(h, 2*time.Second))
	st = sup.Status(h)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, st.PID)
	require.NotNil(t, st.LastExit)
	assert.True(t, st.LastExit.Signaled)
	assert.Equal(t, "SIGTERM", st.LastExit.Signal)
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	h, err := sup.Start(context.Background(), shellSpec("twice", "sleep 30"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sup.Stop(h, 2*time.Second))
		}()
	}
	wg.Wait()
	require.NoError(t, sup.Stop(h, 2*time.Second))

	assert.Equal(t, StateStopped, sup.Status(h).State)
	assert.Equal(t, 1, rec.count("twice", monitor.EventStopped))
	assert.Equal(t, 1, rec.count("twice", monitor.EventStopping))
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	spec := shellSpec("stubborn", `trap '' TERM; while :; do sleep 0.05; done`)
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, sup.Stop(h, 200*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.LastExit)
	assert.Equal(t, "SIGKILL", st.LastExit.Signal)
}

func TestSupervisor_CustomStopSignal(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	spec := shellSpec("interruptible", "sleep 30")
	spec.StopSignal = syscall.SIGINT
	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, sup.Stop(h, 2*time.Second))
	require.NotNil(t, sup.Status(h).LastExit)
	assert.Equal(t, "SIGINT", sup.Status(h).LastExit.Signal)
}

func TestSupervisor_SpawnError(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	spec := &ProcessSpec{
		Name:    "ghost",
		Command: []string{"definitely-not-a-binary-4f1c"},
		Restart: restart.DefaultPolicy(),
	}
	h, err := sup.Start(context.Background(), spec)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "ghost", spawnErr.Name)
	assert.ErrorIs(t, err, process.ErrExecutableNotFound)

	st := sup.Status(h)
	assert.Equal(t, StateFailed, st.State)
	assert.False(t, st.BudgetExhausted)
	assert.Equal(t, 0, st.Spawns)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, rec.count("ghost", monitor.EventSpawnFailed))

	_, err = sup.Start(context.Background(), &ProcessSpec{
		Name:             "nowhere",
		Command:          []string{"/bin/sh", "-c", "true"},
		WorkingDirectory: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorIs(t, err, process.ErrInvalidWorkingDir)
}

// A restart attempt that cannot spawn uses up its restart instead of escaping to the caller.
func TestSupervisor_RespawnFailureConsumesBudget(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	script := filepath.Join(t.TempDir(), "vanish.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nrm -f \"$0\"\nexit 1\n"), 0o755))

	policy := restart.DefaultPolicy()
	policy.MaxRestarts = 3
	policy.Backoff = restart.FixedBackoff(5 * time.Millisecond)
	h, err := sup.Start(context.Background(), &ProcessSpec{Name: "vanish", Command: []string{script}, Restart: policy})
	require.NoError(t, err)
	waitDone(t, h, 10*time.Second)

	st := sup.Status(h)
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, st.BudgetExhausted)
	assert.Equal(t, 3, st.Restarts)
	assert.Equal(t, 1, st.Spawns)
	assert.Contains(t, st.LastError, "executable not found")

	assert.Equal(t, 1, rec.count("vanish", monitor.EventSpawned))
	assert.Equal(t, 3, rec.count("vanish", monitor.EventSpawnFailed))
	assert.Equal(t, 1, rec.count("vanish", monitor.EventFailed))
}

// Stop racing a crash loop with no backoff always ends in Stopped and nothing spawns afterwards.
func TestSupervisor_StopRacesCrashLoop(t *testing.T) {
	sup, rec := newTestSupervisor(t)

	delays := []time.Duration{0, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond,
		5 * time.Millisecond, 8 * time.Millisecond, 13 * time.Millisecond, 21 * time.Millisecond}
	for round := 0; round < 3; round++ {
		for i, delay := range delays {
			name := fmt.Sprintf("flapper-%d-%d", round, i)
			spec := shellSpec(name, "exit 1")
			spec.Restart.MaxRestarts = 100000
			spec.Restart.Backoff = restart.FixedBackoff(0)

			h, err := sup.Start(context.Background(), spec)
			require.NoError(t, err)
			time.Sleep(delay)
			require.NoError(t, sup.Stop(h, time.Second), name)

			st := sup.Status(h)
			require.Equal(t, StateStopped, st.State, "%s after %s", name, delay)
			assert.False(t, st.BudgetExhausted, name)

			spawned := rec.count(name, monitor.EventSpawned)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, StateStopped, sup.Status(h).State, name)
			assert.Equal(t, st.Spawns, sup.Status(h).Spawns, name)
			assert.Equal(t, spawned, rec.count(name, monitor.EventSpawned), name)
		}
	}
}

func TestSupervisor_ConfigError(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	cases := map[string]*ProcessSpec{
		"nil":          nil,
		"bad name":     {Name: "../x", Command: []string{"true"}},
		"no command":   {Name: "empty"},
		"bad port":     {Name: "port", Command: []string{"true"}, Port: 70000},
		"bad budget":   {Name: "budget", Command: []string{"true"}, Restart: restart.Policy{MaxRestarts: -1}},
		"bad env name": {Name: "env", Command: []string{"true"}, Environment: map[string]string{"A=B": "x"}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := sup.Start(context.Background(), spec)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
	assert.Empty(t, sup.List())
}

func TestSupervisor_DuplicateName(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	_, err := sup.Start(context.Background(), shellSpec("dup", "sleep 30"))
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), shellSpec("dup", "sleep 30"))
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestSupervisor_ReRegistrationResetsCounter(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	spec := shellSpec("phoenix", "exit 1")
	spec.Restart.MaxRestarts = 2
	first, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitDone(t, first, 5*time.Second)
	require.Equal(t, 2, sup.Status(first).Restarts)

	second, err := sup.StartByName(context.Background(), "phoenix")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	waitDone(t, second, 5*time.Second)

	assert.Equal(t, StateFailed, sup.Status(second).State)
	assert.Equal(t, 2, sup.Status(second).Restarts)
	// the old handle keeps reporting its own registration
	assert.Equal(t, StateFailed, sup.Status(first).State)
	assert.Equal(t, first.ID(), sup.Status(first).ID)
}

func TestSupervisor_RegisterAndLaunch(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	h, err := sup.Register(shellSpec("lazy", "sleep 30"))
	require.NoError(t, err)
	assert.Equal(t, StatePending, sup.Status(h).State)

	require.NoError(t, sup.Launch(context.Background(), h))
	assert.Equal(t, StateRunning, sup.Status(h).State)

	assert.ErrorIs(t, sup.Launch(context.Background(), h), ErrAlreadyRunning)
	_, err = sup.StartByName(context.Background(), "lazy")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestSupervisor_StopPending(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	h, err := sup.Register(shellSpec("never", "sleep 30"))
	require.NoError(t, err)
	require.NoError(t, sup.Stop(h, time.Second))
	assert.Equal(t, StateStopped, sup.Status(h).State)
	waitDone(t, h, time.Second)
}

func TestSupervisor_Restart(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	first, err := sup.Start(context.Background(), shellSpec("cycled", "sleep 30"))
	require.NoError(t, err)
	pid := sup.Status(first).PID

	second, err := sup.Restart(context.Background(), "cycled", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, sup.Status(first).State)
	assert.Equal(t, StateRunning, sup.Status(second).State)
	assert.NotEqual(t, pid, sup.Status(second).PID)

	_, err = sup.Restart(context.Background(), "unknown", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupervisor_Lookups(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	_, err := sup.StatusByName("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sup.StopByName("missing", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = sup.StartByName(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, sup.Stop(Handle{}, time.Second), ErrInvalidHandle)
	assert.Equal(t, Status{}, sup.Status(Handle{}))

	_, err = sup.Register(shellSpec("b", "true"))
	require.NoError(t, err)
	_, err = sup.Register(shellSpec("a", "true"))
	require.NoError(t, err)

	list := sup.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
	assert.Len(t, sup.Specs(), 2)
}

func TestSupervisor_EnvironmentAndPort(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	dir := t.TempDir()
	spec := shellSpec("env", `printf "%s|%s" "$PORT" "$GREETING" > env.txt`)
	spec.WorkingDirectory = dir
	spec.Port = 8082
	spec.Environment = map[string]string{"GREETING": "hello world"}
	spec.Restart.AutoRestart = false

	h, err := sup.Start(context.Background(), spec)
	require.NoError(t, err)
	waitDone(t, h, 5*time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "8082|hello world", string(data))
}

func TestSupervisor_Bootstrap(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	auto := shellSpec("auto", "sleep 30")
	auto.Autostart = true
	manual := shellSpec("manual", "sleep 30")
	broken := &ProcessSpec{Name: "broken", Command: []string{"definitely-not-a-binary-4f1c"}, Autostart: true}

	err := sup.Bootstrap(context.Background(), []*ProcessSpec{auto, manual, broken})
	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)

	st, err := sup.StatusByName("auto")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	st, err = sup.StatusByName("manual")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
}

func TestSupervisor_Shutdown(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	a, err := sup.Start(context.Background(), shellSpec("one", "sleep 30"))
	require.NoError(t, err)
	b, err := sup.Start(context.Background(), shellSpec("two", "exit 1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))

	assert.True(t, sup.Status(a).State.IsTerminal())
	assert.True(t, sup.Status(b).State.IsTerminal())

	_, err = sup.Start(context.Background(), shellSpec("late", "true"))
	assert.True(t, errors.Is(err, ErrSupervisorShutdown))
}
