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

package restart

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// For any budget N and any sequence of crashes, at most N restarts are granted
// and the exit after the Nth restart fails the instance.
// 对于任意预算 N 和任意崩溃序列，最多允许 N 次重启，第 N 次重启后的退出使实例失败。
func TestProperty_RestartBudgetIsNeverExceeded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRestarts := rapid.IntRange(0, 20).Draw(t, "maxRestarts")
		policy := DefaultPolicy()
		policy.MaxRestarts = maxRestarts

		restarts := 0
		for {
			exit := Exit{
				Code:        rapid.IntRange(1, 255).Draw(t, "code"),
				Signaled:    rapid.Bool().Draw(t, "signaled"),
				SpawnFailed: rapid.Bool().Draw(t, "spawnFailed"),
			}
			d := Decide(policy, exit, false, restarts)
			if d == DecisionFail {
				break
			}
			if d != DecisionRestart {
				t.Fatalf("unexpected decision %q after %d restarts", d, restarts)
			}
			restarts++
			if restarts > maxRestarts {
				t.Fatalf("restart counter %d exceeded budget %d", restarts, maxRestarts)
			}
		}

		if restarts != maxRestarts {
			t.Fatalf("failed after %d restarts, want exactly %d", restarts, maxRestarts)
		}
	})
}

// A requested stop always wins, whatever the exit or the remaining budget.
// 无论退出方式或剩余预算如何，请求的停止总是优先。
func TestProperty_StopRequestAlwaysStops(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := Policy{
			AutoRestart: rapid.Bool().Draw(t, "autorestart"),
			MaxRestarts: rapid.IntRange(0, 20).Draw(t, "maxRestarts"),
		}
		exit := Exit{
			Code:     rapid.IntRange(-1, 255).Draw(t, "code"),
			Signaled: rapid.Bool().Draw(t, "signaled"),
		}
		restarts := rapid.IntRange(0, 25).Draw(t, "restarts")

		if d := Decide(policy, exit, true, restarts); d != DecisionStop {
			t.Fatalf("stop requested but decision was %q", d)
		}
	})
}

// Without autorestart an unexpected exit never restarts and never fails.
// 未开启自动重启时，意外退出既不会重启也不会失败。
func TestProperty_NoAutoRestartStops(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := Policy{AutoRestart: false, MaxRestarts: rapid.IntRange(0, 20).Draw(t, "maxRestarts")}
		exit := Exit{Code: rapid.IntRange(0, 255).Draw(t, "code")}
		if d := Decide(policy, exit, false, rapid.IntRange(0, 20).Draw(t, "restarts")); d != DecisionStop {
			t.Fatalf("autorestart disabled but decision was %q", d)
		}
	})
}

// Backoff is non-decreasing in the attempt number and bounded by the max.
// 退避时间随尝试次数单调不减，并受最大值约束。
func TestProperty_BackoffMonotonicAndBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := time.Duration(rapid.IntRange(0, 5000).Draw(t, "initialMs")) * time.Millisecond
		max := initial + time.Duration(rapid.IntRange(0, 60000).Draw(t, "extraMs"))*time.Millisecond
		factor := 1 + float64(rapid.IntRange(0, 40).Draw(t, "factorTenths"))/10

		prev := time.Duration(0)
		for attempt := 1; attempt <= 64; attempt++ {
			d := CalculateBackoff(attempt, initial, max, factor)
			if d < prev {
				t.Fatalf("attempt %d: %v < previous %v", attempt, d, prev)
			}
			if d > max {
				t.Fatalf("attempt %d: %v exceeds max %v", attempt, d, max)
			}
			prev = d
		}
	})
}

func TestDecide_StopExitCodes(t *testing.T) {
	policy := DefaultPolicy()
	policy.StopExitCodes = []int{0, 42}

	if d := Decide(policy, Exit{Code: 42}, false, 0); d != DecisionStop {
		t.Errorf("exit code 42 should stop, got %q", d)
	}
	if d := Decide(policy, Exit{Code: 1}, false, 0); d != DecisionRestart {
		t.Errorf("exit code 1 should restart, got %q", d)
	}
	if d := Decide(policy, Exit{Code: 0, SpawnFailed: true}, false, 0); d != DecisionRestart {
		t.Errorf("spawn failure should restart, got %q", d)
	}
}

func TestPolicy_DelayAndValidate(t *testing.T) {
	p := Policy{MaxRestarts: 3, Backoff: Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2}}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}

	fixed := Policy{Backoff: FixedBackoff(250 * time.Millisecond)}
	if got := fixed.Delay(7); got != 250*time.Millisecond {
		t.Errorf("fixed delay = %v", got)
	}

	if err := (Policy{MaxRestarts: -1}).Validate(); err == nil {
		t.Error("negative max_restarts should be rejected")
	}
	if err := (Policy{Backoff: Backoff{Factor: 0.5}}).Validate(); err == nil {
		t.Error("factor below 1 should be rejected")
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
}
