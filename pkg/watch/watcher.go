// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package watch converts capture files as they land in a directory.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one settled file. Errors are logged, not propagated.
type Handler func(ctx context.Context, path string) error

// Options configures a Watcher.
type Options struct {
	Dir      string
	Patterns []string
	// Settle is the quiet period after the last write before a file is
	// handed to the handler.
	Settle  time.Duration
	Workers int
}

// Watcher monitors a directory for new capture files and hands each one to a
// handler once writes to it have stopped.
type Watcher struct {
	opts    Options
	handle  Handler
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	queued  map[string]bool
	ready   chan string
	stopped bool
}

// New creates a directory watcher.
func New(opts Options, handle Handler, logger *zap.Logger) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = 500 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Watcher{
		opts:   opts,
		handle: handle,
		logger: logger,
		timers: make(map[string]*time.Timer),
		queued: make(map[string]bool),
		ready:  make(chan string, 64),
	}
}

// Run watches until ctx is cancelled. Files already present when Run starts
// are handled too.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw
	defer fsw.Close()

	if err := fsw.Add(w.opts.Dir); err != nil {
		return err
	}
	w.logger.Info("capture watcher started",
		zap.String("dir", w.opts.Dir),
		zap.Strings("patterns", w.opts.Patterns),
		zap.Int("workers", w.opts.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error {
			w.work(gctx)
			return nil
		})
	}

	w.scanExisting()
	w.loop(gctx)

	w.mu.Lock()
	w.stopped = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	err = g.Wait()
	w.logger.Info("capture watcher stopped")
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !w.Matches(event.Name) {
				continue
			}
			w.logger.Debug("capture file changed", zap.String("file", filepath.Base(event.Name)))
			w.touch(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("capture watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

// touch restarts the settle timer of path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.opts.Settle, func() {
		w.settled(path)
	})
}

func (w *Watcher) settled(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	if w.stopped || w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	select {
	case w.ready <- path:
	default:
		// Queue full: retry after another settle period.
		w.mu.Lock()
		delete(w.queued, path)
		w.mu.Unlock()
		w.touch(path)
	}
}

func (w *Watcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.ready:
			start := time.Now()
			err := w.handle(ctx, path)

			w.mu.Lock()
			delete(w.queued, path)
			w.mu.Unlock()

			if err != nil {
				w.logger.Error("capture conversion failed", zap.String("file", path), zap.Error(err))
				continue
			}
			w.logger.Debug("capture file handled", zap.String("file", path), zap.Duration("took", time.Since(start)))
		}
	}
}

func (w *Watcher) scanExisting() {
	for _, pattern := range w.opts.Patterns {
		matches, err := filepath.Glob(filepath.Join(w.opts.Dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			w.touch(m)
		}
	}
}

// Matches reports whether the base name of path matches a configured
// pattern. No patterns means every file matches.
func (w *Watcher) Matches(path string) bool {
	if len(w.opts.Patterns) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, p := range w.opts.Patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}
