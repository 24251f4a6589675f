// Package scheduler runs cancellable repeating tasks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task runs fn every interval. Each firing runs in its own goroutine, so a
// slow run never delays the next tick.
type Task struct {
	name   string
	fn     func(ctx context.Context)
	logger *slog.Logger

	mu        sync.Mutex
	interval  time.Duration
	ctx       context.Context
	cancelAll context.CancelFunc
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
	stopped   bool

	runs    sync.WaitGroup
	running atomic.Bool
	fired   atomic.Int64
}

// NewTask creates a task. It does nothing until Start.
func NewTask(name string, interval time.Duration, fn func(ctx context.Context), logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		name:     name,
		fn:       fn,
		logger:   logger,
		interval: interval,
	}
}

// Start begins ticking. Runs receive a context derived from ctx that is
// cancelled by Stop.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx != nil || t.stopped {
		return
	}
	t.ctx, t.cancelAll = context.WithCancel(ctx)
	t.startLoopLocked()
}

// Restart tears down the ticker and starts a new one at interval. In-flight
// runs are not cancelled.
func (t *Task) Restart(interval time.Duration) {
	t.mu.Lock()
	t.interval = interval
	if t.ctx == nil || t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopLoop()
	old := t.loopDone
	t.mu.Unlock()

	<-old

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped && t.loopDone == old {
		t.startLoopLocked()
	}
}

// Interval returns the current tick interval.
func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// Trigger fires one run now, outside the tick schedule.
func (t *Task) Trigger() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return
	}
	t.fire(ctx)
}

// Stop cancels the ticker and every in-flight run.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.cancelAll != nil {
		t.cancelAll()
	}
}

// Wait blocks until the ticker has exited and all runs have returned.
// Call after Stop.
func (t *Task) Wait() {
	t.mu.Lock()
	done := t.loopDone
	t.mu.Unlock()
	if done != nil {
		<-done
	}
	t.runs.Wait()
}

// Running reports whether the tick loop is active.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Fired returns how many runs have started.
func (t *Task) Fired() int64 {
	return t.fired.Load()
}

func (t *Task) startLoopLocked() {
	loopCtx, cancel := context.WithCancel(t.ctx)
	done := make(chan struct{})
	t.stopLoop = cancel
	t.loopDone = done
	go t.loop(loopCtx, t.ctx, t.interval, done)
}

func (t *Task) loop(loopCtx, runCtx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			t.fire(runCtx)
		}
	}
}

func (t *Task) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	t.fired.Add(1)
	t.runs.Add(1)
	go func() {
		defer t.runs.Done()
		t.safeRun(ctx)
	}()
}

func (t *Task) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in scheduled task", "task", t.name, "panic", fmt.Sprint(r))
		}
	}()
	t.fn(ctx)
}
