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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/seatunnel/stx-supervisor/internal/monitor"
	"github.com/seatunnel/stx-supervisor/internal/router"
	"gopkg.in/yaml.v3"
)

// Exit codes of the operator commands
// 运维命令的退出码
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitLookup  = 2
	ExitSpawn   = 3
)

// exitError carries the process exit code of a failed command
// exitError 携带失败命令的进程退出码
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFailure
}

// codeForStatus maps an API status code to an exit code.
func codeForStatus(status int) int {
	switch status {
	case http.StatusNotFound:
		return ExitLookup
	case http.StatusUnprocessableEntity:
		return ExitSpawn
	default:
		return ExitFailure
	}
}

// Client talks to a running daemon over its HTTP API
// Client 通过 HTTP 接口与运行中的守护进程通信
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, e.g. "127.0.0.1:8090" or "http://host:8090/api".
// NewClient 为 addr 创建客户端。
func NewClient(addr, apiPrefix string, timeout time.Duration) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	if apiPrefix != "" && !strings.HasSuffix(base, strings.TrimRight(apiPrefix, "/")) {
		base += "/" + strings.Trim(apiPrefix, "/")
	}
	return &Client{baseURL: base + "/v1", http: &http.Client{Timeout: timeout}}
}

// do sends the request and decodes the envelope into out. A non-2xx answer
// becomes an *exitError carrying the API message.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable / 无法连接守护进程: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &exitError{code: ExitFailure, err: fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}
	if resp.StatusCode/100 != 2 {
		msg := http.StatusText(resp.StatusCode)
		var envelope struct {
			ErrorMsg string `json:"error_msg"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.ErrorMsg != "" {
			msg = envelope.ErrorMsg
		}
		return &exitError{code: codeForStatus(resp.StatusCode), err: errors.New(msg)}
	}
	return nil
}

// Status returns one process, or every process when name is empty.
func (c *Client) Status(ctx context.Context, name string) ([]*router.ProcessInfo, error) {
	if name == "" {
		var resp router.ListProcessesResponse
		if err := c.do(ctx, http.MethodGet, "/processes", nil, &resp); err != nil {
			return nil, err
		}
		return resp.Data, nil
	}
	var resp router.ProcessResponse
	if err := c.do(ctx, http.MethodGet, "/processes/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return []*router.ProcessInfo{resp.Data}, nil
}

// Action runs start, stop or restart on name.
// Action 对 name 执行 start、stop 或 restart。
func (c *Client) Action(ctx context.Context, action, name string, timeout time.Duration) (*router.ProcessInfo, error) {
	query := url.Values{}
	if timeout > 0 {
		query.Set("timeout", timeout.String())
	}
	var resp router.ProcessResponse
	err := c.do(ctx, http.MethodPost, "/processes/"+url.PathEscape(name)+"/"+action, query, &resp)
	return resp.Data, err
}

// Events lists lifecycle history, newest first.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]*monitor.Event, error) {
	query := url.Values{}
	if name != "" {
		query.Set("name", name)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	var resp router.ListEventsResponse
	if err := c.do(ctx, http.MethodGet, "/events", query, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, nil
	}
	return resp.Data.Events, nil
}

// ==================== Output 输出 ====================

func render(w io.Writer, format string, v any, table func(*tabwriter.Writer)) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// go through JSON so keys match the API field names
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	case "", "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (table, json, yaml)", format)
	}
}

func renderProcesses(w io.Writer, format string, list []*router.ProcessInfo) error {
	return render(w, format, list, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "NAME\tSTATE\tPID\tRESTARTS\tUPTIME\tLAST EXIT")
		for _, p := range list {
			if p == nil {
				continue
			}
			pid, lastExit := "-", "-"
			if p.PID > 0 {
				pid = fmt.Sprint(p.PID)
			}
			if p.LastExit != nil {
				lastExit = p.LastExit.String()
			}
			if p.LastError != "" {
				lastExit = p.LastError
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				p.Name, p.State, pid, p.Restarts, p.MaxRestarts,
				(time.Duration(p.UptimeSeconds) * time.Second).String(), lastExit)
		}
	})
}

func renderEvents(w io.Writer, format string, events []*monitor.Event) error {
	return render(w, format, events, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "TIME\tNAME\tTYPE\tPID\tMESSAGE")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
				e.CreatedAt.Local().Format(time.DateTime), e.Name, e.Type, e.PID, e.Message)
		}
	})
}
