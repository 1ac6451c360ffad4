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

// Package watch restarts a process when files under its working directory change.
// watch 包在进程工作目录下的文件变化时重启该进程。
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/seatunnel/stx-supervisor/internal/supervisor"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces a burst of changes into one restart
// DefaultDebounce 将一连串变化合并为一次重启
const DefaultDebounce = 500 * time.Millisecond

// DefaultRestartTimeout bounds one restart triggered by a change
// DefaultRestartTimeout 限制一次由文件变化触发的重启耗时
const DefaultRestartTimeout = 30 * time.Second

// DefaultIgnore is always skipped, on top of the process' own ignore list
// DefaultIgnore 总是被忽略，进程自己的忽略列表在此之上追加
var DefaultIgnore = []string{".git", "node_modules", "__pycache__", ".venv", "*.pyc", "*.log", "*.swp", "*~"}

// RestartFunc restarts the named process
// RestartFunc 重启指定名称的进程
type RestartFunc func(ctx context.Context, name string) error

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce sets the quiet period before a restart is triggered.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watcher watches one directory tree on behalf of one process.
// Watcher 代表一个进程监听一棵目录树。
type Watcher struct {
	name     string
	root     string
	ignore   []string
	debounce time.Duration
	restart  RestartFunc
	logger   *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup

	triggers atomic.Int64
}

// New starts watching root recursively. Paths matching ignore (or DefaultIgnore)
// are skipped; a match on any path element excludes the whole subtree.
// New 递归监听 root。匹配 ignore（或 DefaultIgnore）的路径会被跳过，
// 任意路径片段匹配即排除整棵子树。
func New(name, root string, ignore []string, restart RestartFunc, opts ...Option) (*Watcher, error) {
	if restart == nil {
		return nil, errors.New("restart func is nil")
	}
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "watch", Path: absRoot, Err: errors.New("not a directory")}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		name:     name,
		root:     absRoot,
		ignore:   append(append([]string{}, DefaultIgnore...), ignore...),
		debounce: DefaultDebounce,
		restart:  restart,
		logger:   zap.NewNop(),
		fsw:      fsw,
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := w.addRecursive(absRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Name returns the watched process name.
func (w *Watcher) Name() string { return w.name }

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// Triggers returns how many restarts the watcher has requested.
// Triggers 返回监听器已请求的重启次数。
func (w *Watcher) Triggers() int64 { return w.triggers.Load() }

// WatchList returns the directories currently registered with the OS.
func (w *Watcher) WatchList() []string { return w.fsw.WatchList() }

// Close stops watching and waits for an in-flight restart to return.
// Close 停止监听并等待进行中的重启返回。
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsw.Close()
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Skip unreadable entries, keep walking
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignored(p) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			if p == dir {
				return err
			}
			w.logger.Warn("failed to watch directory", zap.String("process", w.name), zap.String("dir", p), zap.Error(err))
		}
		return nil
	})
}

// ignored reports whether any element of path relative to root matches an ignore pattern.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range w.ignore {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if pattern == "" {
			continue
		}
		if strings.Contains(pattern, "/") {
			if ok, _ := filepath.Match(pattern, rel); ok || rel == pattern || strings.HasPrefix(rel, pattern+"/") {
				return true
			}
			continue
		}
		for _, elem := range strings.Split(rel, "/") {
			if ok, _ := filepath.Match(pattern, elem); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.String("process", w.name), zap.Error(err))

		case <-fire:
			fire = nil
			w.trigger()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if w.ignored(ev.Name) {
		return false
	}
	// chmod alone does not change content
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("process", w.name), zap.String("dir", ev.Name), zap.Error(err))
			}
		}
	}
	return true
}

func (w *Watcher) trigger() {
	w.triggers.Add(1)
	w.logger.Info("change detected, restarting process", zap.String("process", w.name), zap.String("root", w.root))

	ctx, cancel := context.WithTimeout(context.Background(), DefaultRestartTimeout)
	defer cancel()
	if err := w.restart(ctx, w.name); err != nil {
		w.logger.Warn("restart after change failed", zap.String("process", w.name), zap.Error(err))
	}
}

// Restarter is the part of the supervisor a watcher drives
// Restarter 是监听器驱动的监管者接口
type Restarter interface {
	StatusByName(name string) (supervisor.Status, error)
	Restart(ctx context.Context, name string, timeout time.Duration) (supervisor.Handle, error)
}

// SupervisorRestart returns a RestartFunc over sup. A process an operator
// stopped stays stopped; every other state is restarted.
// SupervisorRestart 返回基于 sup 的 RestartFunc。被运维停止的进程保持停止，
// 其他状态都会被重启。
func SupervisorRestart(sup Restarter) RestartFunc {
	return func(ctx context.Context, name string) error {
		st, err := sup.StatusByName(name)
		if err != nil {
			return err
		}
		if st.State == supervisor.StateStopped || st.State == supervisor.StatePending {
			return nil
		}
		_, err = sup.Restart(ctx, name, 0)
		return err
	}
}

// Group owns the watchers of every process declared with watch enabled
// Group 持有所有启用了 watch 的进程的监听器
type Group struct {
	watchers []*Watcher
}

// ForSpecs starts one watcher per spec with Watch set, rooted at its working directory.
// ForSpecs 为每个设置了 Watch 的声明启动一个监听器，根目录为其工作目录。
func ForSpecs(specs []*supervisor.ProcessSpec, restart RestartFunc, opts ...Option) (*Group, error) {
	g := &Group{}
	for _, spec := range specs {
		if spec == nil || !spec.Watch {
			continue
		}
		w, err := New(spec.Name, spec.WorkingDirectory, spec.IgnoreWatch, restart, opts...)
		if err != nil {
			_ = g.Close()
			return nil, err
		}
		g.watchers = append(g.watchers, w)
	}
	return g, nil
}

// Watchers returns the running watchers.
func (g *Group) Watchers() []*Watcher { return g.watchers }

// Close closes every watcher.
func (g *Group) Close() error {
	var errs []error
	for _, w := range g.watchers {
		errs = append(errs, w.Close())
	}
	g.watchers = nil
	return errors.Join(errs...)
}
