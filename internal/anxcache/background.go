package anxcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"anxcache/internal/metrics"
)

const (
	taskCacheWrite = "cache_write"
	taskRevalidate = "revalidate"
	taskSWRFetch   = "swr_fetch"
	taskWarmup     = "warmup"
)

// background runs the detached work strategies spawn: cache writes that must
// not delay a response, revalidations and warmup fetches. Every task runs on
// a context detached from the triggering request, and its error or panic is
// drained into the log instead of vanishing.
type background struct {
	log     *slog.Logger
	metrics *metrics.Recorder

	sem chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

func newBackground(limit int, logger *slog.Logger, rec *metrics.Recorder) *background {
	if limit <= 0 {
		limit = 32
	}
	return &background{
		log:      logger,
		metrics:  rec,
		sem:      make(chan struct{}, limit),
		inflight: map[string]struct{}{},
	}
}

// Go always runs fn unless the group is closed.
func (b *background) Go(ctx context.Context, task, key string, timeout time.Duration, fn func(context.Context) error) bool {
	if !b.add() {
		b.log.Debug("background task dropped after close", slog.String("task", task), slog.String("key", key))
		return false
	}
	go func() {
		defer b.wg.Done()
		b.run(ctx, task, key, timeout, fn)
	}()
	return true
}

// TryGo runs fn only when a slot is free. A call for a task and key that is
// already running is dropped before it takes a slot.
func (b *background) TryGo(ctx context.Context, task, key string, timeout time.Duration, fn func(context.Context) error) bool {
	id := task + "\x00" + key
	if !b.claim(id) {
		b.metrics.ObserveBackgroundTask(task, metrics.TaskDeduplicated)
		return false
	}
	select {
	case b.sem <- struct{}{}:
	default:
		b.unclaim(id)
		b.metrics.ObserveBackgroundTask(task, metrics.TaskSkipped)
		return false
	}
	if !b.add() {
		<-b.sem
		b.unclaim(id)
		return false
	}
	go func() {
		defer b.wg.Done()
		defer func() { <-b.sem }()
		defer b.unclaim(id)
		b.run(ctx, task, key, timeout, fn)
	}()
	return true
}

func (b *background) claim(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[id]; ok {
		return false
	}
	b.inflight[id] = struct{}{}
	return true
}

func (b *background) unclaim(id string) {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
}

func (b *background) add() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *background) run(parent context.Context, task, key string, timeout time.Duration, fn func(context.Context) error) {
	ctx := context.WithoutCancel(parent)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			b.log.Error("background task panicked",
				slog.String("task", task), slog.String("key", key), slog.Any("panic", fmt.Sprint(p)))
			b.metrics.ObserveBackgroundTask(task, metrics.TaskFailed)
		}
	}()
	if err := fn(ctx); err != nil {
		b.log.Warn("background task failed",
			slog.String("task", task), slog.String("key", key), slog.Any("error", err))
		b.metrics.ObserveBackgroundTask(task, metrics.TaskFailed)
		return
	}
	b.metrics.ObserveBackgroundTask(task, metrics.TaskSucceeded)
}

// Wait blocks until every spawned task has finished.
func (b *background) Wait() {
	b.wg.Wait()
}

// Close refuses new tasks and waits for running ones.
func (b *background) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}
