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

package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/restart"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatbotApps = `
apps:
  - name: vendit-chatbot
    script: main.py
    interpreter: python
    env:
      PORT: 8082
    watch: false
    autorestart: true
    max_restarts: 10
`

func TestLoadApps_EcosystemFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(chatbotApps), 0o644))

	specs, err := LoadApps(path)
	require.NoError(t, err)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, "vendit-chatbot", spec.Name)
	assert.Equal(t, []string{"python", "main.py"}, spec.Command)
	assert.Equal(t, dir, spec.WorkingDirectory)
	assert.Equal(t, map[string]string{"PORT": "8082"}, spec.Environment)
	assert.False(t, spec.Watch)
	assert.True(t, spec.Autostart)
	assert.True(t, spec.Restart.AutoRestart)
	assert.Equal(t, 10, spec.Restart.MaxRestarts)
	assert.Equal(t, restart.DefaultPolicy().Backoff, spec.Restart.Backoff)
}

func TestParseApps_JSON(t *testing.T) {
	data := []byte(`{"apps": [{
		"name": "api",
		"command": ["/usr/bin/env", "node", "server.js"],
		"cwd": "srv",
		"environment": {"NODE_ENV": "production"},
		"port": 3000,
		"autorestart": false,
		"restart_delay": 250,
		"kill_timeout": 1600,
		"stop_signal": "INT",
		"stop_exit_codes": 0,
		"log_file": "logs/api.log",
		"autostart": false
	}]}`)

	specs, err := ParseApps(data, "/base")
	require.NoError(t, err)
	require.Len(t, specs, 1)

	spec := specs[0]
	assert.Equal(t, []string{"/usr/bin/env", "node", "server.js"}, spec.Command)
	assert.Equal(t, "/base/srv", spec.WorkingDirectory)
	assert.Equal(t, "production", spec.Environment["NODE_ENV"])
	assert.Equal(t, "3000", spec.Environ()["PORT"])
	assert.False(t, spec.Restart.AutoRestart)
	assert.Equal(t, restart.FixedBackoff(250*time.Millisecond), spec.Restart.Backoff)
	assert.Equal(t, []int{0}, spec.Restart.StopExitCodes)
	assert.Equal(t, 1600*time.Millisecond, spec.KillTimeout)
	assert.Equal(t, syscall.SIGINT, spec.StopSignal)
	assert.Equal(t, "/base/logs/api.log", spec.Output.OutFile)
	assert.Equal(t, spec.Output.OutFile, spec.Output.ErrorFile)
	assert.False(t, spec.Autostart)
}

func TestParseApps_CommandForms(t *testing.T) {
	specs, err := ParseApps([]byte(`
apps:
  - name: shell
    command: /bin/sh -c true
  - name: local
    script: run.sh
    args: [--verbose]
  - name: interpreted
    script: job.py
    interpreter: python3
    interpreter_args: -u
    args: "--once --fast"
    exp_backoff_restart_delay: 200
`), "/srv")
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, []string{"/bin/sh", "-c", "true"}, specs[0].Command)
	assert.Equal(t, []string{"./run.sh", "--verbose"}, specs[1].Command)
	assert.Equal(t, []string{"python3", "-u", "job.py", "--once", "--fast"}, specs[2].Command)
	assert.Equal(t, 200*time.Millisecond, specs[2].Restart.Backoff.Initial)
	assert.Equal(t, restart.DefaultFactor, specs[2].Restart.Backoff.Factor)
}

func TestParseApps_NameFromScript(t *testing.T) {
	specs, err := ParseApps([]byte("apps:\n  - script: worker.py\n    interpreter: python\n"), "/srv")
	require.NoError(t, err)
	assert.Equal(t, "worker", specs[0].Name)
}

func TestParseApps_Errors(t *testing.T) {
	cases := map[string]string{
		"not yaml":        "apps: [",
		"empty":           "apps: []",
		"no command":      "apps:\n  - name: a\n",
		"both forms":      "apps:\n  - name: a\n    command: x\n    script: y\n",
		"bad signal":      "apps:\n  - name: a\n    command: x\n    stop_signal: NOPE\n",
		"negative budget": "apps:\n  - name: a\n    command: x\n    max_restarts: -1\n",
		"negative delay":  "apps:\n  - name: a\n    command: x\n    restart_delay: -5\n",
		"duplicate":       "apps:\n  - name: a\n    command: x\n  - name: a\n    command: y\n",
		"bad name":        "apps:\n  - name: 'a b'\n    command: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseApps([]byte(doc), "/srv")
			var cfgErr *supervisor.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadApps_MissingFile(t *testing.T) {
	_, err := LoadApps(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
