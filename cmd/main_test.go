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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/seatunnel/stx-supervisor/internal/config"
	"github.com/seatunnel/stx-supervisor/internal/db"
	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/restart"
	"github.com/seatunnel/stx-supervisor/internal/router"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// newTestAPI serves the operator API of a fresh supervisor
// newTestAPI 为一个新的监管者提供运维接口
func newTestAPI(t *testing.T) (*Client, *supervisor.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sup := supervisor.New()
	srv := httptest.NewServer(router.New(router.Options{APIPrefix: "/api"}, router.NewHandler(sup, nil)))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return NewClient(srv.URL, "/api", 10*time.Second), sup
}

func TestNewClient_BaseURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8090/api/v1", NewClient(":8090", "/api", time.Second).baseURL)
	assert.Equal(t, "http://host:1/api/v1", NewClient("host:1", "/api", time.Second).baseURL)
	assert.Equal(t, "https://host/api/v1", NewClient("https://host/api/", "/api", time.Second).baseURL)
	assert.Equal(t, "http://host/v1", NewClient("http://host", "", time.Second).baseURL)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, exitCode(nil))
	assert.Equal(t, ExitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, ExitLookup, exitCode(&exitError{code: ExitLookup, err: errors.New("missing")}))
	assert.Equal(t, ExitSpawn, exitCode(&exitError{code: codeForStatus(422), err: errors.New("spawn")}))
	assert.Equal(t, ExitFailure, codeForStatus(409))
}

// TestClient_Actions drives start/stop/status over HTTP and checks exit codes
// TestClient_Actions 通过 HTTP 执行启动、停止、查询并检查退出码
func TestClient_Actions(t *testing.T) {
	client, sup := newTestAPI(t)
	ctx := context.Background()

	policy := restart.DefaultPolicy()
	_, err := sup.Register(&supervisor.ProcessSpec{Name: "web", Command: []string{"/bin/sh", "-c", "sleep 30"}, Restart: policy})
	require.NoError(t, err)
	_, err = sup.Register(&supervisor.ProcessSpec{Name: "ghost", Command: []string{"definitely-not-a-binary-4f1c"}, Restart: policy})
	require.NoError(t, err)

	info, err := client.Action(ctx, "start", "web", 0)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, info.State)

	list, err := client.Status(ctx, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	info, err = client.Action(ctx, "stop", "web", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, info.State)

	_, err = client.Status(ctx, "missing")
	assert.Equal(t, ExitLookup, exitCode(err))

	_, err = client.Action(ctx, "start", "missing", 0)
	assert.Equal(t, ExitLookup, exitCode(err))

	info, err = client.Action(ctx, "start", "ghost", 0)
	assert.Equal(t, ExitSpawn, exitCode(err))
	require.NotNil(t, info)
	assert.Equal(t, supervisor.StateFailed, info.State)

	_, err = client.Events(ctx, "", 10)
	assert.Equal(t, ExitFailure, exitCode(err))
}

func TestClient_Unreachable(t *testing.T) {
	client := NewClient("127.0.0.1:1", "/api", time.Second)
	_, err := client.Status(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, exitCode(err))
}

func TestRenderProcesses(t *testing.T) {
	list := []*router.ProcessInfo{{
		Status:        supervisor.Status{Name: "vendit-chatbot", State: supervisor.StateRunning, PID: 42, Restarts: 1, MaxRestarts: 10},
		UptimeSeconds: 90,
	}}

	var buf bytes.Buffer
	require.NoError(t, renderProcesses(&buf, "table", list))
	assert.Contains(t, buf.String(), "vendit-chatbot")
	assert.Contains(t, buf.String(), "1/10")
	assert.Contains(t, buf.String(), "1m30s")

	buf.Reset()
	require.NoError(t, renderProcesses(&buf, "json", list))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "running", decoded[0]["state"])

	buf.Reset()
	require.NoError(t, renderProcesses(&buf, "yaml", list))
	var doc []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "vendit-chatbot", doc[0]["name"])
	assert.Equal(t, 42, doc[0]["pid"])

	assert.Error(t, renderProcesses(&buf, "xml", list))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), Version)
	assert.Contains(t, buf.String(), "Go Version")
}

// TestDaemon_RunAndShutdown boots the daemon from an apps file and tears it down
// TestDaemon_RunAndShutdown 从应用声明文件启动守护进程并关闭
func TestDaemon_RunAndShutdown(t *testing.T) {
	dir := t.TempDir()
	appsFile := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(appsFile, []byte(`
apps:
  - name: sleeper
    command: ["/bin/sh", "-c", "sleep 30"]
    env:
      PORT: 8082
  - name: manual
    command: ["/bin/sh", "-c", "sleep 30"]
    autostart: false
`), 0o644))

	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Database.Enabled = true
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(dir, "events.db")
	cfg.Redis.Enabled = false
	cfg.GRPC.Enabled = false
	cfg.Supervisor.AppsFile = appsFile
	cfg.Supervisor.EventFlushInterval = 50 * time.Millisecond

	daemon := NewDaemon(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Run(ctx) }()

	require.Eventually(t, func() bool {
		sup := daemon.Supervisor()
		if sup == nil {
			return false
		}
		st, err := sup.StatusByName("sleeper")
		return err == nil && st.State == supervisor.StateRunning
	}, 5*time.Second, 20*time.Millisecond)

	st, err := daemon.Supervisor().StatusByName("manual")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StatePending, st.State)

	assert.Error(t, daemon.Run(ctx), "second Run must be refused")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not return after cancellation")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	require.NoError(t, daemon.Shutdown(shutdownCtx))

	st, err = daemon.Supervisor().StatusByName("sleeper")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateStopped, st.State)

	// second shutdown is a no-op
	assert.NoError(t, daemon.Shutdown(shutdownCtx))
}

// TestDaemon_ShutdownAfterBindFailure 端口被占用导致 Run 失败后 Shutdown 仍能及时返回
func TestDaemon_ShutdownAfterBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Server.Addr = busy.Addr().String()
	cfg.Database.Enabled = true
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(dir, "events.db")
	cfg.Redis.Enabled = false
	cfg.GRPC.Enabled = false

	daemon := NewDaemon(cfg, zap.NewNop())
	// the caller's context is never cancelled, as in runDaemon after a startup error
	require.Error(t, daemon.Run(context.Background()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- daemon.Shutdown(shutdownCtx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Shutdown did not return after a failed Run")
	}
	assert.False(t, db.IsDatabaseInitialized())
}

func TestDaemon_RunErrorNamesCauseOnce(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Database.Enabled = false
	cfg.Redis.Enabled = false
	cfg.GRPC.Enabled = false
	cfg.Supervisor.AppsFile = filepath.Join(dir, "no-such-apps.yaml")

	daemon := NewDaemon(cfg, zap.NewNop())
	runErr := daemon.Run(context.Background())
	require.Error(t, runErr)

	cause := errors.Unwrap(runErr)
	require.NotNil(t, cause)
	assert.Equal(t, 1, strings.Count(runErr.Error(), cause.Error()), runErr.Error())
	assert.True(t, strings.HasPrefix(runErr.Error(), "failed to load apps"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.NoError(t, daemon.Shutdown(ctx))
}

func TestDaemon_ShutdownRespectsDeadline(t *testing.T) {
	daemon := NewDaemon(&config.Config{}, zap.NewNop())
	daemon.running = true
	daemon.bg.Add(1)
	defer daemon.bg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := daemon.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMigrateCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  enabled: true\n  type: sqlite\n  sqlite_path: "+dbPath+"\n"), 0o644))

	prev := configFile
	configFile = cfgPath
	defer func() { configFile = prev }()

	var buf bytes.Buffer
	migrateCmd.SetOut(&buf)
	migrateCmd.SetContext(context.Background())
	require.NoError(t, migrateCmd.RunE(migrateCmd, nil))
	assert.Contains(t, buf.String(), "migrated sqlite")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	database, _, err := db.Open(cfg.Database)
	require.NoError(t, err)
	defer func() {
		if sqlDB, err := database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	assert.True(t, database.Migrator().HasTable(&monitor.Event{}))
}
